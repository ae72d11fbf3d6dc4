// Package tasks holds the scanning tasks a scan runs and the ordered table
// they are registered in. A task checks one aspect of the target's external
// footprint, writes what it saw to the evidence store and reports how many
// actionable findings it produced.
package tasks

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

// TaskContext identifies the scan a task runs for.
type TaskContext struct {
	ScanID           string
	Run              int
	Domain           string
	OrganizationName string
}

// Task is one scanning step. Run returns the number of findings written.
type Task interface {
	Name() string
	Run(ctx context.Context, tc TaskContext) (int, error)
}

// EvidenceWriter is the part of the evidence store tasks write through.
type EvidenceWriter interface {
	InsertArtifact(ctx context.Context, a model.Artifact) (string, error)
	InsertFinding(ctx context.Context, artifactID, findingType, recommendation, description string) (string, error)
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Task names, in execution order.
const (
	DNSBaselineName     = "dns-baseline"
	HTTPHeadersName     = "http-headers"
	TechDetectName      = "tech-detect"
	TLSConfigName       = "tls-config"
	ExposedServicesName = "exposed-services"
	TypoDomainsName     = "typo-domains"
)

// base carries what every task needs to record evidence.
type base struct {
	name   string
	ev     EvidenceWriter
	logger logging.Logger
}

func newBase(name string, ev EvidenceWriter, logger logging.Logger) base {
	if logger == nil {
		logger = logging.Nop{}
	}
	return base{
		name:   name,
		ev:     ev,
		logger: logger.With(logging.Field{Key: "task", Value: name}),
	}
}

func (b base) Name() string { return b.name }

// record stores a and, unless it is informational, a finding derived from
// it. It returns the number of findings written (0 or 1).
func (b base) record(ctx context.Context, tc TaskContext, a model.Artifact, recommendation, description string) (int, error) {
	meta := make(map[string]any, len(a.Meta)+2)
	for k, v := range a.Meta {
		meta[k] = v
	}
	meta[model.MetaScanID] = tc.ScanID
	meta[model.MetaTask] = b.name
	a.Meta = meta
	a.Run = tc.Run

	id, err := b.ev.InsertArtifact(ctx, a)
	if err != nil {
		return 0, fmt.Errorf("%s: store artifact: %w", b.name, err)
	}
	if a.Severity == model.SeverityInfo {
		return 0, nil
	}
	if _, err := b.ev.InsertFinding(ctx, id, a.Type, recommendation, description); err != nil {
		return 0, fmt.Errorf("%s: store finding: %w", b.name, err)
	}
	b.logger.Debug("finding recorded",
		logging.Field{Key: "scan_id", Value: tc.ScanID},
		logging.Field{Key: "type", Value: a.Type},
		logging.Field{Key: "severity", Value: string(a.Severity)})
	return 1, nil
}

// splitTarget separates an optional port from the scan domain.
func splitTarget(domain string) (host, port string) {
	domain = strings.TrimSpace(domain)
	if h, p, err := net.SplitHostPort(domain); err == nil {
		return h, p
	}
	return domain, ""
}
