package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/raysh454/vigil/internal/app"
	"github.com/raysh454/vigil/internal/logging"
)

// NewRootCmd builds the vigil command tree. Each call gets its own viper
// instance so commands can be executed repeatedly in one process.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "vigil",
		Short:         "Due-diligence security scanner",
		Long:          "Vigil runs passive security checks against an organization's domain, correlates detected software with vulnerability feeds and estimates financial exposure.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	root.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().String("database", "", "SQLite database path (overrides config)")
	root.PersistentFlags().String("log-format", "", "Log format: json|zap (overrides config)")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	for _, name := range []string{"config", "database", "log-format", "debug"} {
		_ = v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	// Environment variable support (VIGIL_DATABASE, etc.)
	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Subcommands
	root.AddCommand(newServeCmd(v))
	root.AddCommand(newWorkerCmd(v))
	root.AddCommand(newScanCmd(v))
	root.AddCommand(newEnqueueCmd(v))
	root.AddCommand(newRiskCmd(v))
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag and environment overrides.
func loadConfig(v *viper.Viper) (*app.Config, error) {
	cfg, err := app.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if db := v.GetString("database"); db != "" {
		cfg.DatabasePath = db
	}
	if f := v.GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}
	if v.GetBool("debug") {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger keeps logs off stdout, which carries command output.
func newLogger(cfg app.LogConfig, stderr io.Writer) (logging.Logger, error) {
	if cfg.Format == "zap" {
		return app.NewLogger(cfg)
	}
	return logging.NewJSONLogger(stderr, "vigil"), nil
}

// openApp loads configuration and wires the application.
func openApp(cmd *cobra.Command, v *viper.Viper) (*app.Application, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return app.NewApplication(cmd.Context(), cfg, logger)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vigil %s\n", app.Version)
		},
	}
}
