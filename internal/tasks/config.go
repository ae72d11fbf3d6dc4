package tasks

import "time"

type Config struct {
	// Enabled restricts the task list. Empty runs every task.
	Enabled []string `yaml:"enabled"`
	// Critical names the tasks whose failure aborts the scan. Nil means
	// DefaultCriticalSet.
	Critical []string `yaml:"critical"`

	// Scheme is used for the homepage fetch of http-headers and tech-detect.
	Scheme string `yaml:"scheme"`

	DialTimeout      time.Duration `yaml:"dial_timeout"`
	DialConcurrency int           `yaml:"dial_concurrency"`
	DatabasePorts    []int         `yaml:"database_ports"`
	ServicePorts     []int         `yaml:"service_ports"`

	TLSPort int `yaml:"tls_port"`
	// CertExpiryWarning flags certificates expiring within this window.
	CertExpiryWarning time.Duration `yaml:"cert_expiry_warning"`

	TypoLimit int      `yaml:"typo_limit"`
	TypoTLDs  []string `yaml:"typo_tlds"`
}

func DefaultConfig() Config {
	return Config{
		Scheme:            "https",
		DialTimeout:       3 * time.Second,
		DialConcurrency:  8,
		DatabasePorts:     []int{3306, 5432, 27017, 6379, 9200, 1433},
		ServicePorts:      []int{21, 23, 3389, 445},
		TLSPort:           443,
		CertExpiryWarning: 30 * 24 * time.Hour,
		TypoLimit:         40,
		TypoTLDs:          []string{"com", "net", "org", "co"},
	}
}
