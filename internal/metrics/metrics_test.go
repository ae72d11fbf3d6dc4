package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/vigil/internal/metrics"
)

func TestMetrics_ScanLifecycle(t *testing.T) {
	t.Parallel()
	m, err := metrics.New()
	require.NoError(t, err)

	done := m.ScanStarted()
	m.ObserveTask("dns-baseline", metrics.OutcomeSucceeded, 3, 20*time.Millisecond)
	m.ObserveTask("tls-config", metrics.OutcomeFailed, 0, time.Second)
	done("done")

	expected := `
# HELP vigil_tasks_total Task executions, by task and outcome
# TYPE vigil_tasks_total counter
vigil_tasks_total{outcome="failed",task="tls-config"} 1
vigil_tasks_total{outcome="succeeded",task="dns-baseline"} 1
`
	assert.NoError(t, promtest.GatherAndCompare(m.Registry(), strings.NewReader(expected), "vigil_tasks_total"))

	expected = `
# HELP vigil_findings_total Findings written, by task
# TYPE vigil_findings_total counter
vigil_findings_total{task="dns-baseline"} 3
`
	assert.NoError(t, promtest.GatherAndCompare(m.Registry(), strings.NewReader(expected), "vigil_findings_total"))

	expected = `
# HELP vigil_scans_in_flight Scans currently being executed
# TYPE vigil_scans_in_flight gauge
vigil_scans_in_flight 0
`
	assert.NoError(t, promtest.GatherAndCompare(m.Registry(), strings.NewReader(expected), "vigil_scans_in_flight"))
	assert.Equal(t, 1, promtest.CollectAndCount(m.Registry(), "vigil_scan_duration_seconds"))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	t.Parallel()
	var m *metrics.Metrics

	m.ScanStarted()("failed")
	m.ObserveTask("x", metrics.OutcomeCritical, 1, time.Second)
	m.SourceError("osv")
	m.SetQueueDepth(3)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()
	m, err := metrics.New()
	require.NoError(t, err)
	m.SetQueueDepth(4)
	m.SourceError("nvd")

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "vigil_queue_depth 4")
	assert.Contains(t, string(body), `vigil_source_errors_total{source="nvd"} 1`)
}
