package model

import "time"

// Well-known artifact types. The taxonomy is open; tasks may emit others.
const (
	ArtifactScanError           = "scan-error"
	ArtifactSoftwareComponent   = "software-component"
	ArtifactVulnerableComponent = "vulnerable-component"
	ArtifactExposedDatabase     = "exposed-database"
	ArtifactExposedService      = "exposed-service"
	ArtifactWeakTLS             = "weak-tls"
	ArtifactTypoDomain          = "typo-domain"
	ArtifactMissingHeader       = "missing-security-header"
	ArtifactServerBanner        = "server-banner"
	ArtifactDNSRecord           = "dns-record"
	ArtifactMissingSPF          = "missing-spf"
	ArtifactMissingDMARC        = "missing-dmarc"
)

// Metadata keys every artifact carries.
const (
	MetaScanID = "scan_id"
	MetaTask   = "task"
)

// Artifact is one immutable piece of evidence collected by a task.
type Artifact struct {
	ID string `json:"id"`

	// Type is a short identifier such as "exposed-service" or "weak-tls".
	Type string `json:"type"`

	Severity Severity `json:"severity"`

	// Value is the free-text evidence (a banner, a host:port, a header line...).
	Value string `json:"value"`

	// SourceURL optionally points at where the evidence was observed.
	SourceURL string `json:"source_url,omitempty"`

	// ContentHash is a hex sha256; the store fills it from Value when empty.
	ContentHash string `json:"content_hash,omitempty"`

	MIME string `json:"mime,omitempty"`

	// Run is the scan run that produced the artifact.
	Run int `json:"run"`

	// Meta must contain MetaScanID and MetaTask.
	Meta map[string]any `json:"meta"`

	CreatedAt time.Time `json:"created_at"`
}

// ScanID returns the scan the artifact belongs to.
func (a *Artifact) ScanID() string {
	s, _ := a.Meta[MetaScanID].(string)
	return s
}

// Task returns the name of the task that produced the artifact.
func (a *Artifact) Task() string {
	s, _ := a.Meta[MetaTask].(string)
	return s
}

// MetaString reads a string metadata value.
func (a *Artifact) MetaString(key string) string {
	s, _ := a.Meta[key].(string)
	return s
}

// Finding is a remediation-oriented derivative of exactly one Artifact.
type Finding struct {
	ID             string    `json:"id"`
	ArtifactID     string    `json:"artifact_id"`
	FindingType    string    `json:"finding_type"`
	Recommendation string    `json:"recommendation"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

// TypeCount is the number of non-error artifacts of one type in a scan,
// with the highest severity seen for that type.
type TypeCount struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Count    int      `json:"count"`
}
