package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raysh454/vigil/internal/retry"
	"github.com/raysh454/vigil/internal/tasks"
	"github.com/raysh454/vigil/internal/telemetry"
	"github.com/raysh454/vigil/internal/vuln"
	"github.com/raysh454/vigil/internal/webclient"
)

// Config is the runtime configuration of every component. Zero sections
// are filled from DefaultConfig by LoadConfig.
type Config struct {
	// DatabasePath is the SQLite file shared by the registry, evidence
	// store and queue.
	DatabasePath string `yaml:"database_path"`

	// RiskTablesFile optionally overrides the built-in risk tables.
	RiskTablesFile string `yaml:"risk_tables_file"`

	// ReportDir receives one JSON report per completed scan. Empty disables
	// the file reporter.
	ReportDir string `yaml:"report_dir"`

	Tasks     tasks.Config     `yaml:"tasks"`
	Vuln      vuln.Config      `yaml:"vuln"`
	WebClient webclient.Config `yaml:"webclient"`
	Worker    WorkerConfig     `yaml:"worker"`
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type WorkerConfig struct {
	Count int `yaml:"count"`
	// Poll is the backoff used while the queue is empty or failing.
	Poll retry.Policy `yaml:"poll"`
	// StaleAfter requeues claimed jobs whose worker went silent. Zero disables it.
	StaleAfter time.Duration `yaml:"stale_after"`
	// Heartbeat is how often a busy worker refreshes its claim. It must be
	// shorter than StaleAfter; zero means a quarter of StaleAfter.
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type ServerConfig struct {
	ListenAddr  string        `yaml:"listen_addr"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// AllowOrigin is sent as Access-Control-Allow-Origin.
	AllowOrigin string `yaml:"allow_origin"`
}

type LogConfig struct {
	// Format is "json" (the built-in JSON lines logger) or "zap".
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "vigil-data/vigil.db",
		Tasks:        tasks.DefaultConfig(),
		Vuln:         vuln.DefaultConfig(),
		WebClient:    webclient.DefaultConfig(),
		Worker: WorkerConfig{
			Count: 2,
			Poll: retry.Policy{
				InitDelay: 500 * time.Millisecond,
				MaxDelay:  15 * time.Second,
				Strategy:  retry.Exponential,
				Jitter:    true,
			},
			StaleAfter: time.Hour,
			Heartbeat:  time.Minute,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			ReadTimeout: 15 * time.Second,
			AllowOrigin: "*",
		},
		Log:       LogConfig{Format: "json"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadConfig overlays the YAML file at path on DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.decode(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return c.Validate()
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.StaleAfter > 0 && c.Worker.Heartbeat >= c.Worker.StaleAfter {
		return fmt.Errorf("worker.heartbeat (%s) must be shorter than worker.stale_after (%s)",
			c.Worker.Heartbeat, c.Worker.StaleAfter)
	}
	switch c.Log.Format {
	case "", "json", "zap":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	switch c.WebClient.Client {
	case "", webclient.ClientNetHTTP, webclient.ClientChromedp:
	default:
		return fmt.Errorf("unknown webclient.client %q", c.WebClient.Client)
	}
	return nil
}
