package model

import "time"

// NormalizedComponent is a detected software component used as correlator input.
type NormalizedComponent struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Ecosystem string `json:"ecosystem"`

	// CPE is an optional platform identifier (cpe:2.3:a:vendor:product:...).
	CPE string `json:"cpe,omitempty"`
}

// VersionFreshness classifies how current a component is.
type VersionFreshness string

const (
	FreshnessOutdated VersionFreshness = "outdated"
	FreshnessCurrent  VersionFreshness = "current"
	FreshnessUnknown  VersionFreshness = "unknown"
)

// VulnerabilityMatch is one vulnerability correlated to a component.
type VulnerabilityMatch struct {
	// ID is the primary identifier (CVE preferred, else GHSA/OSV id).
	ID      string   `json:"id"`
	Aliases []string `json:"aliases,omitempty"`
	Summary string   `json:"summary,omitempty"`

	Severity  Severity `json:"severity"`
	CVSSScore float64  `json:"cvss_score,omitempty"`

	// AffectedRange is a human readable range such as ">=2.4.0, <2.4.50".
	AffectedRange string `json:"affected_range,omitempty"`
	FixedVersion  string `json:"fixed_version,omitempty"`

	// Confidence is 0..100.
	Confidence int `json:"confidence"`

	// Source is the name of the vulnerability source that produced the match.
	Source string `json:"source"`

	Published time.Time `json:"published,omitempty"`

	KnownExploited bool    `json:"known_exploited"`
	EPSS           float64 `json:"epss,omitempty"`

	// RiskScore is the per-match 0..10 score after confidence scaling.
	RiskScore float64 `json:"risk_score"`
}

// ComponentVulnerabilityReport is the correlator output for one component.
type ComponentVulnerabilityReport struct {
	Component NormalizedComponent  `json:"component"`
	Matches   []VulnerabilityMatch `json:"matches"`

	// RiskScore is the maximum match score, 0..10.
	RiskScore float64          `json:"risk_score"`
	Freshness VersionFreshness `json:"freshness"`

	// SourceErrors names sources that could not be queried.
	SourceErrors []string `json:"source_errors,omitempty"`
}
