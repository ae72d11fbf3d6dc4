package tasks_test

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/tasks"
	"github.com/raysh454/vigil/internal/testutil"
)

var acme = tasks.TaskContext{ScanID: "scan-1", Domain: "acme.com", OrganizationName: "Acme"}

func TestDNSBaseline_RecordsAndMissingPolicies(t *testing.T) {
	t.Parallel()

	ev := &testutil.MemoryEvidence{}
	res := &testutil.DummyResolver{
		Addrs: map[string][]string{"acme.com": {"203.0.113.10", "2001:db8::1"}},
		MX:    map[string][]string{"acme.com": {"mx1.acme.com."}},
		TXT:   map[string][]string{"acme.com": {"google-site-verification=abc"}},
	}
	n, err := tasks.NewDNSBaseline(res, ev, nil).Run(t.Context(), acme)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records := ev.OfType(model.ArtifactDNSRecord)
	require.Len(t, records, 3)
	assert.Equal(t, "acme.com A 203.0.113.10", records[0].Value)
	assert.Equal(t, "acme.com AAAA 2001:db8::1", records[1].Value)
	assert.Equal(t, "acme.com MX 10 mx1.acme.com", records[2].Value)
	for _, r := range records {
		assert.Equal(t, model.SeverityInfo, r.Severity)
		assert.Equal(t, "scan-1", r.ScanID())
		assert.Equal(t, tasks.DNSBaselineName, r.Task())
	}

	assert.Len(t, ev.OfType(model.ArtifactMissingSPF), 1)
	assert.Len(t, ev.OfType(model.ArtifactMissingDMARC), 1)
	require.Len(t, ev.Findings, 2, "informational records carry no finding")
	assert.Equal(t, model.ArtifactMissingSPF, ev.Findings[0].FindingType)
}

func TestDNSBaseline_PoliciesPresent(t *testing.T) {
	t.Parallel()

	ev := &testutil.MemoryEvidence{}
	res := &testutil.DummyResolver{
		Addrs: map[string][]string{"acme.com": {"203.0.113.10"}},
		TXT: map[string][]string{
			"acme.com":        {"v=spf1 include:_spf.example.net -all"},
			"_dmarc.acme.com": {"v=DMARC1; p=reject"},
		},
	}
	n, err := tasks.NewDNSBaseline(res, ev, nil).Run(t.Context(), acme)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ev.Findings)
}

func TestDNSBaseline_NoAddressIsAnError(t *testing.T) {
	t.Parallel()

	ev := &testutil.MemoryEvidence{}
	_, err := tasks.NewDNSBaseline(&testutil.DummyResolver{}, ev, nil).Run(t.Context(), acme)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tasks.ErrNoAddressRecords))
	assert.Empty(t, ev.Artifacts)
}

func TestDNSBaseline_StoreFailurePropagates(t *testing.T) {
	t.Parallel()

	ev := &testutil.MemoryEvidence{Err: testutil.ErrBoom}
	res := &testutil.DummyResolver{Addrs: map[string][]string{"acme.com": {"203.0.113.10"}}}
	_, err := tasks.NewDNSBaseline(res, ev, nil).Run(t.Context(), acme)
	assert.ErrorIs(t, err, testutil.ErrBoom)
}

func TestDNSBaseline_LookupFailureIsNotAMissingPolicy(t *testing.T) {
	t.Parallel()

	timeout := &net.DNSError{Err: "i/o timeout", Name: "acme.com", IsTimeout: true}
	servfail := &net.DNSError{Err: "server misbehaving", Name: "_dmarc.acme.com", IsTemporary: true}
	ev := &testutil.MemoryEvidence{}
	logger := &testutil.DummyLogger{}
	res := &testutil.DummyResolver{
		Addrs: map[string][]string{"acme.com": {"203.0.113.10"}},
		Failures: map[string]error{
			"mx:acme.com":         timeout,
			"txt:acme.com":        timeout,
			"txt:_dmarc.acme.com": servfail,
		},
	}
	n, err := tasks.NewDNSBaseline(res, ev, logger).Run(t.Context(), acme)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ev.OfType(model.ArtifactMissingSPF))
	assert.Empty(t, ev.OfType(model.ArtifactMissingDMARC))
	assert.Empty(t, ev.Findings)
	assert.Len(t, ev.OfType(model.ArtifactDNSRecord), 1)
	assert.Equal(t, 3, logger.WarnCount())
}
