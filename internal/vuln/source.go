// Package vuln correlates detected software components with known
// vulnerabilities from several public feeds and scores the result.
package vuln

import (
	"context"
	"strings"
	"time"

	"github.com/raysh454/vigil/internal/model"
)

// Source is one vulnerability feed.
type Source interface {
	Name() string
	// QueryByComponent returns the vulnerabilities the feed associates with
	// the component. version may be empty.
	QueryByComponent(ctx context.Context, ecosystem, name, version string) ([]RawVulnerability, error)
}

// RawVulnerability is a feed record before applicability and scoring.
type RawVulnerability struct {
	ID        string
	Aliases   []string
	Summary   string
	Severity  model.Severity
	CVSSScore float64
	Ranges    []Range

	// Versions lists individually enumerated affected versions.
	Versions  []string
	Published time.Time

	// ExactMatch is set when the feed matched on the exact package name and
	// ecosystem (or CPE) rather than a keyword search.
	ExactMatch bool
}

// Range is one affected interval: Introduced <= v < Fixed, or v <=
// LastAffected. Empty bounds are open.
type Range struct {
	Introduced   string
	Fixed        string
	LastAffected string
}

func (r Range) String() string {
	var parts []string
	if r.Introduced != "" && r.Introduced != "0" {
		parts = append(parts, ">="+r.Introduced)
	}
	if r.Fixed != "" {
		parts = append(parts, "<"+r.Fixed)
	}
	if r.LastAffected != "" {
		parts = append(parts, "<="+r.LastAffected)
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ", ")
}

// ExploitSignal is exploitation intelligence for one CVE.
type ExploitSignal struct {
	KnownExploited bool
	EPSS           float64
}

// Enricher adds exploitation intelligence keyed by CVE id.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, cveIDs []string) (map[string]ExploitSignal, error)
}

// identifiers returns the record's id followed by its aliases.
func (r RawVulnerability) identifiers() []string {
	out := make([]string, 0, 1+len(r.Aliases))
	out = append(out, strings.ToUpper(r.ID))
	for _, a := range r.Aliases {
		out = append(out, strings.ToUpper(a))
	}
	return out
}
