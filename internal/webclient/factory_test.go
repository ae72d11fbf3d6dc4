package webclient_test

import (
	"context"
	"strings"
	"testing"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/testutil"
	"github.com/raysh454/vigil/internal/webclient"
)

func TestNewWebClient_DefaultsToNetHTTP(t *testing.T) {
	t.Parallel()
	wc, err := webclient.NewWebClient(webclient.Config{}, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("NewWebClient: %v", err)
	}
	defer wc.Close()
	if _, ok := wc.(*webclient.NetHTTPClient); !ok {
		t.Fatalf("expected *NetHTTPClient, got %T", wc)
	}
}

func TestNewWebClient_UnknownBackend(t *testing.T) {
	t.Parallel()
	wc, err := webclient.NewWebClient(webclient.Config{Client: "gopher"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if wc != nil {
		t.Fatal("expected nil client")
	}
	if !strings.Contains(err.Error(), "nethttp") {
		t.Fatalf("error should list available backends: %v", err)
	}
}

func TestRegisterBackend_CaseInsensitive(t *testing.T) {
	t.Parallel()
	called := false
	webclient.RegisterBackend("Fixture-Backend", func(cfg webclient.Config, _ logging.Logger) (webclient.WebClient, error) {
		called = true
		return &testutil.DummyWebClient{}, nil
	})

	wc, err := webclient.NewWebClient(webclient.Config{Client: "fixture-backend"}, nil)
	if err != nil {
		t.Fatalf("NewWebClient: %v", err)
	}
	if !called {
		t.Fatal("registered constructor not used")
	}
	resp, err := wc.Get(context.Background(), "https://example.com")
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("dummy client: %v %v", resp, err)
	}
}

func TestNewWebClient_ChromeDPConstructs(t *testing.T) {
	t.Parallel()
	// Construction only allocates; no browser starts until the first request.
	wc, err := webclient.NewWebClient(webclient.Config{Client: webclient.ClientChromedp, Headless: true}, nil)
	if err != nil {
		t.Skipf("chromedp unavailable: %v", err)
	}
	defer wc.Close()
}
