package tasks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

// ErrNoAddressRecords means the target does not resolve at all.
var ErrNoAddressRecords = errors.New("no address records")

// DNSBaseline resolves the target's address, mail and policy records.
type DNSBaseline struct {
	base
	resolver Resolver
}

func NewDNSBaseline(resolver Resolver, ev EvidenceWriter, logger logging.Logger) *DNSBaseline {
	return &DNSBaseline{base: newBase(DNSBaselineName, ev, logger), resolver: resolver}
}

func (t *DNSBaseline) Run(ctx context.Context, tc TaskContext) (int, error) {
	host, _ := splitTarget(tc.Domain)

	addrs, err := t.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("resolve %s: %w: %v", host, ErrNoAddressRecords, err)
	}
	if len(addrs) == 0 {
		return 0, fmt.Errorf("resolve %s: %w", host, ErrNoAddressRecords)
	}

	findings := 0
	for _, a := range addrs {
		kind := "AAAA"
		if a.IP.To4() != nil {
			kind = "A"
		}
		if _, err := t.record(ctx, tc, model.Artifact{
			Type:     model.ArtifactDNSRecord,
			Severity: model.SeverityInfo,
			Value:    fmt.Sprintf("%s %s %s", host, kind, a.IP),
			Meta:     map[string]any{"record": kind},
		}, "", ""); err != nil {
			return findings, err
		}
	}

	// Missing MX or TXT records are normal; only a failed address lookup is
	// fatal. A lookup that fails for another reason skips its check.
	mx, err := t.resolver.LookupMX(ctx, host)
	if err != nil && !isNotFound(err) {
		t.lookupFailed(ctx, "MX", host, err)
	}
	for _, m := range mx {
		if _, err := t.record(ctx, tc, model.Artifact{
			Type:     model.ArtifactDNSRecord,
			Severity: model.SeverityInfo,
			Value:    fmt.Sprintf("%s MX %d %s", host, m.Pref, strings.TrimSuffix(m.Host, ".")),
			Meta:     map[string]any{"record": "MX"},
		}, "", ""); err != nil {
			return findings, err
		}
	}

	txt, err := t.resolver.LookupTXT(ctx, host)
	switch {
	case err != nil && !isNotFound(err):
		t.lookupFailed(ctx, "TXT", host, err)
	case !hasRecord(txt, "v=spf1"):
		n, err := t.record(ctx, tc, model.Artifact{
			Type:     model.ArtifactMissingSPF,
			Severity: model.SeverityMedium,
			Value:    host + " publishes no SPF record",
		},
			"Publish an SPF TXT record listing the hosts allowed to send mail for the domain, ending in -all.",
			"Without SPF anyone can send mail that appears to come from this domain.")
		findings += n
		if err != nil {
			return findings, err
		}
	}

	dmarc, err := t.resolver.LookupTXT(ctx, "_dmarc."+host)
	switch {
	case err != nil && !isNotFound(err):
		t.lookupFailed(ctx, "TXT", "_dmarc."+host, err)
	case !hasRecord(dmarc, "v=dmarc1"):
		n, err := t.record(ctx, tc, model.Artifact{
			Type:     model.ArtifactMissingDMARC,
			Severity: model.SeverityMedium,
			Value:    "_dmarc." + host + " has no DMARC policy",
		},
			"Publish a DMARC record (v=DMARC1; p=quarantine or p=reject) with an aggregate report address.",
			"Receivers have no policy for mail that fails SPF or DKIM alignment, which makes spoofing easier.")
		findings += n
		if err != nil {
			return findings, err
		}
	}

	t.logger.Info("dns baseline complete",
		logging.Field{Key: "scan_id", Value: tc.ScanID},
		logging.Field{Key: "addresses", Value: len(addrs)},
		logging.Field{Key: "mx", Value: len(mx)},
		logging.Field{Key: "findings", Value: findings})
	return findings, nil
}

// isNotFound reports whether err means the name has no such records.
func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func (t *DNSBaseline) lookupFailed(ctx context.Context, kind, name string, err error) {
	if ctx.Err() != nil {
		return
	}
	t.logger.Warn("dns lookup failed, skipping check",
		logging.Field{Key: "record", Value: kind},
		logging.Field{Key: "name", Value: name},
		logging.Field{Key: "error", Value: err})
}

func hasRecord(txt []string, prefix string) bool {
	for _, r := range txt {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(r)), prefix) {
			return true
		}
	}
	return false
}
