package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/webclient"
)

type securityHeader struct {
	name           string
	httpsOnly      bool
	recommendation string
	description    string
}

var securityHeaders = []securityHeader{
	{
		name:           "Strict-Transport-Security",
		httpsOnly:      true,
		recommendation: "Send Strict-Transport-Security with max-age of at least one year and includeSubDomains.",
		description:    "Browsers may be downgraded to plain HTTP on first visit.",
	},
	{
		name:           "Content-Security-Policy",
		recommendation: "Define a Content-Security-Policy that restricts script sources.",
		description:    "Injected scripts run without restriction if an XSS flaw exists.",
	},
	{
		name:           "X-Frame-Options",
		recommendation: "Send X-Frame-Options: DENY (or a frame-ancestors CSP directive).",
		description:    "Pages can be framed by other sites, enabling clickjacking.",
	},
	{
		name:           "X-Content-Type-Options",
		recommendation: "Send X-Content-Type-Options: nosniff.",
		description:    "Browsers may MIME-sniff responses into executable content.",
	},
}

// bannerHeaders reveal server software when they carry a version.
var bannerHeaders = []string{"Server", "X-Powered-By", "X-AspNet-Version", "X-AspNetMvc-Version"}

// HTTPHeaders checks the homepage response for missing security headers
// and version-bearing banners.
type HTTPHeaders struct {
	base
	web    webclient.WebClient
	scheme string
}

func NewHTTPHeaders(cfg Config, web webclient.WebClient, ev EvidenceWriter, logger logging.Logger) *HTTPHeaders {
	return &HTTPHeaders{base: newBase(HTTPHeadersName, ev, logger), web: web, scheme: schemeOrDefault(cfg.Scheme)}
}

func (t *HTTPHeaders) Run(ctx context.Context, tc TaskContext) (int, error) {
	target := homepage(t.scheme, tc.Domain)
	resp, err := t.web.Get(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", target, err)
	}
	source := resp.FinalURL
	if source == "" {
		source = target
	}
	secure := strings.HasPrefix(strings.ToLower(source), "https://")

	findings := 0
	for _, h := range securityHeaders {
		if h.httpsOnly && !secure {
			continue
		}
		if strings.TrimSpace(resp.Headers.Get(h.name)) != "" {
			continue
		}
		n, err := t.record(ctx, tc, model.Artifact{
			Type:      model.ArtifactMissingHeader,
			Severity:  model.SeverityMedium,
			Value:     "missing " + h.name,
			SourceURL: source,
			Meta:      map[string]any{"header": h.name},
		}, h.recommendation, h.description)
		findings += n
		if err != nil {
			return findings, err
		}
	}

	for _, name := range bannerHeaders {
		v := strings.TrimSpace(resp.Headers.Get(name))
		if v == "" || !strings.ContainsAny(v, "0123456789") {
			continue
		}
		n, err := t.record(ctx, tc, model.Artifact{
			Type:      model.ArtifactServerBanner,
			Severity:  model.SeverityLow,
			Value:     name + ": " + v,
			SourceURL: source,
			Meta:      map[string]any{"header": name},
		},
			"Remove version details from the "+name+" header.",
			"Exact software versions let attackers pick matching exploits.")
		findings += n
		if err != nil {
			return findings, err
		}
	}
	return findings, nil
}

func schemeOrDefault(s string) string {
	if s == "" {
		return "https"
	}
	return strings.ToLower(s)
}

func homepage(scheme, domain string) string {
	return scheme + "://" + domain + "/"
}
