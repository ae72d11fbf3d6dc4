package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/raysh454/vigil/internal/app"
	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, with an in-process worker pool unless --workers=0",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			if addr := v.GetString("serve.listen"); addr != "" {
				a.Config.Server.ListenAddr = addr
			}
			if cmd.Flags().Changed("workers") {
				a.Config.Worker.Count = v.GetInt("serve.workers")
			}
			return runServe(cmd.Context(), a)
		},
	}

	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().Int("workers", 0, "In-process workers; 0 serves the API only")
	_ = v.BindPFlag("serve.listen", cmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("serve.workers", cmd.Flags().Lookup("workers"))
	return cmd
}

func runServe(ctx context.Context, a *app.Application) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := server.NewServer(a)
	if err != nil {
		return err
	}
	hs := s.HTTPServer()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("api listening", logging.Field{Key: "addr", Value: hs.Addr})
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	if a.Config.Worker.Count > 0 {
		g.Go(func() error { return a.Pool().Run(ctx) })
	}
	return g.Wait()
}

func newWorkerCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued scans until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			if n := v.GetInt("worker.count"); n > 0 {
				a.Config.Worker.Count = n
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Pool().Run(ctx)
		},
	}

	cmd.Flags().Int("count", 0, "Number of workers (overrides config)")
	_ = v.BindPFlag("worker.count", cmd.Flags().Lookup("count"))
	return cmd
}
