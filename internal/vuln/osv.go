package vuln

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

// osvEcosystems maps the lower-cased ecosystems tasks report onto the names
// OSV uses. Components outside these ecosystems are not queried.
var osvEcosystems = map[string]string{
	"npm":       "npm",
	"pypi":      "PyPI",
	"go":        "Go",
	"maven":     "Maven",
	"rubygems":  "RubyGems",
	"packagist": "Packagist",
	"nuget":     "NuGet",
	"crates.io": "crates.io",
	"cargo":     "crates.io",
	"debian":    "Debian",
	"alpine":    "Alpine",
}

const osvMaxPages = 5

// OSVSource queries the OSV.dev API. It is the primary source: matches are
// keyed on exact package name and ecosystem.
type OSVSource struct {
	endpoint string
	feed     feedClient
	logger   logging.Logger
}

func NewOSVSource(cfg Config, client *http.Client, logger logging.Logger) *OSVSource {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &OSVSource{
		endpoint: cfg.OSVURL,
		feed:     newFeedClient("osv", client, cfg.OSVRate, cfg.Retry, cfg.UserAgent),
		logger:   logger.With(logging.Field{Key: "source", Value: "osv"}),
	}
}

func (s *OSVSource) Name() string { return "osv" }

type osvQuery struct {
	Package   osvPackage `json:"package"`
	Version   string     `json:"version,omitempty"`
	PageToken string     `json:"page_token,omitempty"`
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvResponse struct {
	Vulns         []osvVuln `json:"vulns"`
	NextPageToken string    `json:"next_page_token"`
}

type osvVuln struct {
	ID        string   `json:"id"`
	Aliases   []string `json:"aliases"`
	Summary   string   `json:"summary"`
	Details   string   `json:"details"`
	Published string   `json:"published"`
	Severity  []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
	Affected []struct {
		Package  osvPackage `json:"package"`
		Versions []string   `json:"versions"`
		Ranges   []struct {
			Type   string `json:"type"`
			Events []struct {
				Introduced   string `json:"introduced"`
				Fixed        string `json:"fixed"`
				LastAffected string `json:"last_affected"`
			} `json:"events"`
		} `json:"ranges"`
		DatabaseSpecific struct {
			Severity string `json:"severity"`
		} `json:"database_specific"`
	} `json:"affected"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
}

func (s *OSVSource) QueryByComponent(ctx context.Context, ecosystem, name, version string) ([]RawVulnerability, error) {
	eco, ok := osvEcosystems[strings.ToLower(strings.TrimSpace(ecosystem))]
	if !ok || name == "" {
		return nil, nil
	}

	q := osvQuery{Package: osvPackage{Name: name, Ecosystem: eco}, Version: version}
	var out []RawVulnerability
	for page := 0; page < osvMaxPages; page++ {
		body, err := json.Marshal(q)
		if err != nil {
			return nil, err
		}
		var resp osvResponse
		err = s.feed.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		}, &resp)
		if err != nil {
			return nil, err
		}
		for _, v := range resp.Vulns {
			out = append(out, s.convert(v, name, eco))
		}
		if resp.NextPageToken == "" {
			break
		}
		q.PageToken = resp.NextPageToken
	}

	s.logger.Debug("osv query complete",
		logging.Field{Key: "package", Value: name},
		logging.Field{Key: "ecosystem", Value: eco},
		logging.Field{Key: "count", Value: len(out)})
	return out, nil
}

// convert maps an OSV record onto RawVulnerability, preferring a CVE alias
// as the primary id.
func (s *OSVSource) convert(v osvVuln, name, eco string) RawVulnerability {
	raw := RawVulnerability{
		ID:         v.ID,
		Summary:    v.Summary,
		ExactMatch: true,
	}
	if raw.Summary == "" {
		raw.Summary = firstLine(v.Details)
	}
	var aliases []string
	for _, a := range v.Aliases {
		if raw.ID == v.ID && strings.HasPrefix(a, "CVE-") {
			raw.ID = a
			continue
		}
		aliases = append(aliases, a)
	}
	if raw.ID != v.ID {
		aliases = append([]string{v.ID}, aliases...)
	}
	raw.Aliases = aliases

	if t, err := time.Parse(time.RFC3339, v.Published); err == nil {
		raw.Published = t.UTC()
	}
	for _, sev := range v.Severity {
		if !strings.HasPrefix(sev.Type, "CVSS_V3") {
			continue
		}
		if score, err := CVSS3BaseScore(sev.Score); err == nil {
			raw.CVSSScore = score
			break
		}
		if score, err := strconv.ParseFloat(sev.Score, 64); err == nil {
			raw.CVSSScore = score
			break
		}
	}
	raw.Severity = model.ParseSeverity(v.DatabaseSpecific.Severity)

	for _, aff := range v.Affected {
		if !strings.EqualFold(aff.Package.Name, name) || aff.Package.Ecosystem != eco {
			continue
		}
		if raw.Severity == "" {
			raw.Severity = model.ParseSeverity(aff.DatabaseSpecific.Severity)
		}
		raw.Versions = append(raw.Versions, aff.Versions...)
		for _, rg := range aff.Ranges {
			if rg.Type == "GIT" {
				continue
			}
			var cur *Range
			for _, ev := range rg.Events {
				switch {
				case ev.Introduced != "":
					cur = &Range{Introduced: ev.Introduced}
				case ev.Fixed != "" && cur != nil:
					cur.Fixed = ev.Fixed
					raw.Ranges = append(raw.Ranges, *cur)
					cur = nil
				case ev.LastAffected != "" && cur != nil:
					cur.LastAffected = ev.LastAffected
					raw.Ranges = append(raw.Ranges, *cur)
					cur = nil
				}
			}
			if cur != nil {
				raw.Ranges = append(raw.Ranges, *cur)
			}
		}
	}
	return raw
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
