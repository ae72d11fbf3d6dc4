package tasks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/webclient"
)

// Metadata keys on software-component artifacts.
const (
	MetaComponentName      = "name"
	MetaComponentVersion   = "version"
	MetaComponentEcosystem = "ecosystem"
)

// EcosystemGeneric marks server software with no package ecosystem.
const EcosystemGeneric = "generic"

var (
	productToken = regexp.MustCompile(`([A-Za-z][A-Za-z0-9_.-]*)/(\d[0-9A-Za-z.+-]*)`)
	generatorRe  = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 ._-]*?)\s+v?(\d+(?:\.\d+)*)`)
)

// scriptLibs are front-end packages recognized from script URLs such as
// "jquery-3.5.1.min.js", "/jquery/3.5.1/" or "jquery@3.5.1".
var scriptLibs = []string{
	"jquery", "jquery-ui", "bootstrap", "angular", "react", "react-dom",
	"vue", "lodash", "moment", "handlebars", "underscore", "d3",
}

var scriptPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(scriptLibs))
	for _, lib := range scriptLibs {
		m[lib] = regexp.MustCompile(`(?i)(?:^|[/._-])` + regexp.QuoteMeta(lib) + `(?:\.min)?[-.@/]v?(\d+\.\d+(?:\.\d+)?)`)
	}
	return m
}()

// TechDetect identifies server and front-end software on the homepage.
// It records software-component artifacts for the correlator and no
// findings of its own.
type TechDetect struct {
	base
	web    webclient.WebClient
	scheme string
}

func NewTechDetect(cfg Config, web webclient.WebClient, ev EvidenceWriter, logger logging.Logger) *TechDetect {
	return &TechDetect{base: newBase(TechDetectName, ev, logger), web: web, scheme: schemeOrDefault(cfg.Scheme)}
}

func (t *TechDetect) Run(ctx context.Context, tc TaskContext) (int, error) {
	target := homepage(t.scheme, tc.Domain)
	resp, err := t.web.Get(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", target, err)
	}
	source := resp.FinalURL
	if source == "" {
		source = target
	}

	comps := DetectComponents(resp.Headers, resp.Body)
	for _, c := range comps {
		if _, err := t.record(ctx, tc, model.Artifact{
			Type:      model.ArtifactSoftwareComponent,
			Severity:  model.SeverityInfo,
			Value:     strings.TrimSpace(c.Name + " " + c.Version),
			SourceURL: source,
			Meta: map[string]any{
				MetaComponentName:      c.Name,
				MetaComponentVersion:   c.Version,
				MetaComponentEcosystem: c.Ecosystem,
			},
		}, "", ""); err != nil {
			return 0, err
		}
	}
	t.logger.Info("technology detection complete",
		logging.Field{Key: "scan_id", Value: tc.ScanID},
		logging.Field{Key: "components", Value: len(comps)})
	return 0, nil
}

// DetectComponents extracts versioned software from response headers and
// the HTML body. Each name is reported once; header evidence wins.
func DetectComponents(headers http.Header, body []byte) []model.NormalizedComponent {
	var out []model.NormalizedComponent
	seen := map[string]struct{}{}
	add := func(c model.NormalizedComponent) {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Version == "" {
			return
		}
		if _, ok := seen[c.Name]; ok {
			return
		}
		seen[c.Name] = struct{}{}
		out = append(out, c)
	}

	for _, h := range []string{"Server", "X-Powered-By"} {
		for _, m := range productToken.FindAllStringSubmatch(headers.Get(h), -1) {
			add(model.NormalizedComponent{Name: m[1], Version: m[2], Ecosystem: EcosystemGeneric})
		}
	}
	if v := strings.TrimSpace(headers.Get("X-AspNet-Version")); v != "" {
		add(model.NormalizedComponent{Name: "asp.net", Version: v, Ecosystem: EcosystemGeneric})
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return out
	}
	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		if name, _ := s.Attr("name"); !strings.EqualFold(name, "generator") {
			return
		}
		content, _ := s.Attr("content")
		if m := generatorRe.FindStringSubmatch(content); m != nil {
			add(model.NormalizedComponent{Name: m[1], Version: m[2], Ecosystem: EcosystemGeneric})
		}
	})
	doc.Find("script[src], link[href]").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			src, _ = s.Attr("href")
		}
		for _, lib := range scriptLibs {
			if m := scriptPatterns[lib].FindStringSubmatch(src); m != nil {
				add(model.NormalizedComponent{Name: lib, Version: m[1], Ecosystem: "npm"})
			}
		}
	})
	return out
}

// ComponentFromArtifact reads the component a software-component artifact
// describes.
func ComponentFromArtifact(a model.Artifact) (model.NormalizedComponent, bool) {
	if a.Type != model.ArtifactSoftwareComponent {
		return model.NormalizedComponent{}, false
	}
	c := model.NormalizedComponent{
		Name:      a.MetaString(MetaComponentName),
		Version:   a.MetaString(MetaComponentVersion),
		Ecosystem: a.MetaString(MetaComponentEcosystem),
	}
	if c.Name == "" {
		return model.NormalizedComponent{}, false
	}
	return c, true
}
