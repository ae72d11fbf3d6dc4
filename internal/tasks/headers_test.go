package tasks_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/tasks"
	"github.com/raysh454/vigil/internal/testutil"
	"github.com/raysh454/vigil/internal/webclient"
)

func TestHTTPHeaders_MissingHeadersAndBanner(t *testing.T) {
	t.Parallel()

	web := &testutil.DummyWebClient{Responses: map[string]*webclient.Response{
		"https://acme.com/": {
			StatusCode: 200,
			FinalURL:   "https://www.acme.com/",
			Headers: http.Header{
				"X-Frame-Options": {"DENY"},
				"Server":          {"nginx/1.18.0 (Ubuntu)"},
				"X-Powered-By":    {"Express"},
			},
		},
	}}
	ev := &testutil.MemoryEvidence{}

	n, err := tasks.NewHTTPHeaders(tasks.DefaultConfig(), web, ev, nil).Run(t.Context(), acme)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	missing := ev.OfType(model.ArtifactMissingHeader)
	require.Len(t, missing, 3)
	assert.Equal(t, "missing Strict-Transport-Security", missing[0].Value)
	assert.Equal(t, "missing Content-Security-Policy", missing[1].Value)
	assert.Equal(t, "missing X-Content-Type-Options", missing[2].Value)
	assert.Equal(t, "https://www.acme.com/", missing[0].SourceURL)

	banners := ev.OfType(model.ArtifactServerBanner)
	require.Len(t, banners, 1, "banners without a version are not reported")
	assert.Equal(t, model.SeverityLow, banners[0].Severity)
	assert.Equal(t, "Server: nginx/1.18.0 (Ubuntu)", banners[0].Value)
	assert.Len(t, ev.Findings, 4)
}

func TestHTTPHeaders_PlainHTTPSkipsHSTS(t *testing.T) {
	t.Parallel()

	cfg := tasks.DefaultConfig()
	cfg.Scheme = "http"
	web := &testutil.DummyWebClient{Responses: map[string]*webclient.Response{
		"http://acme.com/": {StatusCode: 200, Headers: http.Header{
			"Content-Security-Policy": {"default-src 'self'"},
			"X-Frame-Options":         {"SAMEORIGIN"},
			"X-Content-Type-Options":  {"nosniff"},
		}},
	}}
	ev := &testutil.MemoryEvidence{}

	n, err := tasks.NewHTTPHeaders(cfg, web, ev, nil).Run(t.Context(), acme)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ev.Artifacts)
}

func TestHTTPHeaders_FetchErrorFailsTask(t *testing.T) {
	t.Parallel()

	web := &testutil.DummyWebClient{FailURLs: map[string]bool{"https://acme.com/": true}}
	_, err := tasks.NewHTTPHeaders(tasks.DefaultConfig(), web, &testutil.MemoryEvidence{}, nil).Run(t.Context(), acme)
	assert.Error(t, err)
}
