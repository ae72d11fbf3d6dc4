package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/raysh454/vigil/internal/evidence"
	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/metrics"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/queue"
	"github.com/raysh454/vigil/internal/registry"
	"github.com/raysh454/vigil/internal/risk"
	"github.com/raysh454/vigil/internal/sqlitedb"
	"github.com/raysh454/vigil/internal/tasks"
	"github.com/raysh454/vigil/internal/telemetry"
	"github.com/raysh454/vigil/internal/vuln"
	"github.com/raysh454/vigil/internal/webclient"
)

// Version is reported in traces and by the CLI. Overridden at link time.
var Version = "dev"

// Application is the runtime state container: config, logger and the
// components built from them. Pass it to the server and CLI commands
// instead of using package-level variables.
type Application struct {
	Config *Config
	Logger logging.Logger

	DB        *sql.DB
	Registry  *registry.Registry
	Evidence  *evidence.Store
	Queue     *queue.SQLiteQueue
	Orch      *Orchestrator
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Provider
	Tables    risk.Tables

	web webclient.WebClient
}

// NewLogger builds the logger selected by cfg.
func NewLogger(cfg LogConfig) (logging.Logger, error) {
	if cfg.Format == "zap" {
		return logging.NewZapLogger("vigil", cfg.Debug)
	}
	return logging.NewStdoutLogger("vigil"), nil
}

// NewApplication opens the database and wires every component. The caller
// must call Shutdown.
func NewApplication(ctx context.Context, cfg *Config, logger logging.Logger) (*Application, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		l, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		logger = l
	}

	a := &Application{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg := a.Config
	var err error

	if a.DB, err = sqlitedb.Open(cfg.DatabasePath); err != nil {
		return err
	}
	if a.Registry, err = registry.NewRegistry(a.DB, a.Logger); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if a.Evidence, err = evidence.NewStore(a.DB, a.Logger); err != nil {
		return fmt.Errorf("evidence: %w", err)
	}
	if a.Queue, err = queue.NewSQLiteQueue(a.DB, a.Logger); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	a.Tables = risk.DefaultTables()
	if cfg.RiskTablesFile != "" {
		if a.Tables, err = risk.LoadTablesFile(cfg.RiskTablesFile); err != nil {
			return err
		}
	}

	if a.web, err = webclient.NewWebClient(cfg.WebClient, a.Logger); err != nil {
		return err
	}
	taskReg, critical, err := tasks.Build(cfg.Tasks, tasks.Deps{
		Evidence: a.Evidence,
		Web:      a.web,
		Logger:   a.Logger,
	})
	if err != nil {
		return err
	}

	if a.Metrics, err = metrics.New(); err != nil {
		return err
	}
	if a.Telemetry, err = telemetry.Setup(ctx, cfg.Telemetry, Version); err != nil {
		return err
	}

	var reporter Reporter
	if cfg.ReportDir != "" {
		fr, err := NewFileReporter(cfg.ReportDir, a.Logger)
		if err != nil {
			return err
		}
		reporter = fr
	}

	a.Orch, err = NewOrchestrator(Deps{
		Registry:   a.Registry,
		Evidence:   a.Evidence,
		Tasks:      taskReg,
		Critical:   critical,
		Correlator: vuln.New(cfg.Vuln, a.Logger),
		Tables:     &a.Tables,
		Queue:      a.Queue,
		Reporter:   reporter,
		Metrics:    a.Metrics,
		Tracer:     a.Telemetry.Tracer(),
		Logger:     a.Logger,
	})
	return err
}

// ErrScanBusy is returned by Submit when the scan is already queued or running.
var ErrScanBusy = errors.New("scan is already queued or running")

// Submit creates the scan record when needed and queues a job for it. A job
// naming an existing scan re-runs it, which is only allowed once the scan
// has reached a terminal state.
func (a *Application) Submit(ctx context.Context, job model.Job) (string, *model.Scan, error) {
	domain, err := registry.NormalizeDomain(job.Domain)
	if err != nil {
		return "", nil, err
	}

	var scan *model.Scan
	if job.ScanID != "" {
		scan, err = a.Registry.Get(ctx, job.ScanID)
		switch {
		case err == nil:
			if !scan.Status.Terminal() {
				return "", scan, fmt.Errorf("%w: %s", ErrScanBusy, scan.ID)
			}
		case errors.Is(err, registry.ErrScanNotFound):
			scan = nil
		default:
			return "", nil, err
		}
	}
	if scan == nil {
		if scan, err = a.Registry.Create(ctx, job.ScanID, job.OrganizationName, domain); err != nil {
			return "", nil, err
		}
	}

	job.ScanID = scan.ID
	job.OrganizationName = scan.OrganizationName
	job.Domain = scan.Domain
	id, err := a.Queue.Enqueue(ctx, job)
	if err != nil {
		return "", scan, err
	}
	return id, scan, nil
}

// Pool returns a worker pool over the application's queue.
func (a *Application) Pool() *Pool {
	return NewPool(a.Config.Worker, a.Queue, a.Orch, a.Metrics, a.Logger)
}

// Shutdown cancels running scans and releases every resource.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Info("application shutdown initiated")

	var errs []error
	if a.Orch != nil {
		a.Orch.Close()
	}
	if a.web != nil {
		errs = append(errs, a.web.Close())
	}
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if z, ok := a.Logger.(*logging.ZapLogger); ok {
		_ = z.Sync()
	}
	return errors.Join(errs...)
}
