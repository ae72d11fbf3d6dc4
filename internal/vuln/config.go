package vuln

import (
	"net/http"
	"time"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/retry"
)

type Config struct {
	OSVURL    string `yaml:"osv_url"`
	NVDURL    string `yaml:"nvd_url"`
	NVDAPIKey string `yaml:"nvd_api_key"`
	KEVURL    string `yaml:"kev_url"`
	EPSSURL   string `yaml:"epss_url"`

	EnableNVD   bool `yaml:"enable_nvd"`
	EnableIntel bool `yaml:"enable_intel"`

	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`

	// Requests per second allowed against each feed. NVD allows 5 requests
	// per 30s without an API key.
	OSVRate   float64 `yaml:"osv_rate"`
	NVDRate   float64 `yaml:"nvd_rate"`
	IntelRate float64 `yaml:"intel_rate"`

	Retry retry.Policy `yaml:"retry"`

	// KEVTTL is how long the downloaded KEV catalog is reused.
	KEVTTL time.Duration `yaml:"kev_ttl"`

	// Concurrency bounds how many components are correlated at once.
	Concurrency int `yaml:"concurrency"`
}

func DefaultConfig() Config {
	return Config{
		OSVURL:      "https://api.osv.dev/v1/query",
		NVDURL:      "https://services.nvd.nist.gov/rest/json/cves/2.0",
		KEVURL:      "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json",
		EPSSURL:     "https://api.first.org/data/v1/epss",
		EnableNVD:   true,
		EnableIntel: true,
		Timeout:     15 * time.Second,
		UserAgent:   "vigil/1.0",
		OSVRate:     10,
		NVDRate:     0.16,
		IntelRate:   2,
		Retry:       retry.DefaultPolicy(),
		KEVTTL:      12 * time.Hour,
		Concurrency: 4,
	}
}

// New wires the configured feeds into a Correlator: OSV first, then NVD,
// with KEV/EPSS enrichment.
func New(cfg Config, logger logging.Logger, opts ...Option) *Correlator {
	client := &http.Client{Timeout: cfg.Timeout}
	sources := []Source{NewOSVSource(cfg, client, logger)}
	if cfg.EnableNVD {
		sources = append(sources, NewNVDSource(cfg, client, logger))
	}
	var intel Enricher
	if cfg.EnableIntel {
		intel = NewExploitIntel(cfg, client, logger)
	}
	opts = append([]Option{WithConcurrency(cfg.Concurrency)}, opts...)
	return NewCorrelator(sources, intel, logger, opts...)
}
