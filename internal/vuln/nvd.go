package vuln

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

// cpeProducts maps names tasks report onto NVD CPE product names where the
// two differ.
var cpeProducts = map[string]string{
	"apache":        "http_server",
	"apache httpd":  "http_server",
	"httpd":         "http_server",
	"iis":           "internet_information_services",
	"microsoft-iis": "internet_information_services",
}

// NVDSource queries the NVD CVE API 2.0 by keyword and keeps only CVEs whose
// CPE configuration names the product.
type NVDSource struct {
	endpoint string
	apiKey   string
	feed     feedClient
	logger   logging.Logger
}

func NewNVDSource(cfg Config, client *http.Client, logger logging.Logger) *NVDSource {
	if logger == nil {
		logger = logging.Nop{}
	}
	rps := cfg.NVDRate
	if cfg.NVDAPIKey != "" && rps < 1.6 {
		rps = 1.6
	}
	return &NVDSource{
		endpoint: cfg.NVDURL,
		apiKey:   cfg.NVDAPIKey,
		feed:     newFeedClient("nvd", client, rps, cfg.Retry, cfg.UserAgent),
		logger:   logger.With(logging.Field{Key: "source", Value: "nvd"}),
	}
}

func (s *NVDSource) Name() string { return "nvd" }

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID           string `json:"id"`
	Published    string `json:"published"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		V31 []nvdMetric `json:"cvssMetricV31"`
		V30 []nvdMetric `json:"cvssMetricV30"`
		V2  []struct {
			BaseSeverity string `json:"baseSeverity"`
			CVSSData     struct {
				BaseScore float64 `json:"baseScore"`
			} `json:"cvssData"`
		} `json:"cvssMetricV2"`
	} `json:"metrics"`
	Configurations []struct {
		Nodes []struct {
			CPEMatch []nvdCPEMatch `json:"cpeMatch"`
		} `json:"nodes"`
	} `json:"configurations"`
}

type nvdMetric struct {
	CVSSData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
}

type nvdCPEMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Criteria              string `json:"criteria"`
	VersionStartIncluding string `json:"versionStartIncluding"`
	VersionStartExcluding string `json:"versionStartExcluding"`
	VersionEndIncluding   string `json:"versionEndIncluding"`
	VersionEndExcluding   string `json:"versionEndExcluding"`
}

const (
	nvdTimeLayout = "2006-01-02T15:04:05.000"
	nvdPageSize   = 200
)

func (s *NVDSource) QueryByComponent(ctx context.Context, ecosystem, name, version string) ([]RawVulnerability, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, nil
	}
	product, aliased := cpeProducts[name]
	if !aliased {
		product = strings.ReplaceAll(name, " ", "_")
	}

	params := url.Values{}
	params.Set("keywordSearch", strings.ReplaceAll(product, "_", " "))
	params.Set("resultsPerPage", strconv.Itoa(nvdPageSize))

	var resp nvdResponse
	err := s.feed.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		if s.apiKey != "" {
			req.Header.Set("apiKey", s.apiKey)
		}
		return req, nil
	}, &resp)
	if err != nil {
		return nil, err
	}

	var out []RawVulnerability
	for _, v := range resp.Vulnerabilities {
		raw, ok := convertNVD(v.CVE, product)
		if !ok {
			continue
		}
		raw.ExactMatch = !aliased && product == name
		out = append(out, raw)
	}
	s.logger.Debug("nvd query complete",
		logging.Field{Key: "product", Value: product},
		logging.Field{Key: "count", Value: len(out)})
	return out, nil
}

// convertNVD keeps a CVE only when one of its vulnerable CPE matches names
// product.
func convertNVD(c nvdCVE, product string) (RawVulnerability, bool) {
	raw := RawVulnerability{ID: c.ID}
	matched := false
	for _, cfg := range c.Configurations {
		for _, node := range cfg.Nodes {
			for _, m := range node.CPEMatch {
				if !m.Vulnerable {
					continue
				}
				fields := strings.Split(m.Criteria, ":")
				if len(fields) < 6 || fields[4] != product {
					continue
				}
				matched = true
				if v := fields[5]; v != "*" && v != "-" {
					raw.Versions = append(raw.Versions, v)
					continue
				}
				rg := Range{
					Introduced:   m.VersionStartIncluding,
					Fixed:        m.VersionEndExcluding,
					LastAffected: m.VersionEndIncluding,
				}
				if rg.Introduced == "" {
					rg.Introduced = m.VersionStartExcluding
				}
				raw.Ranges = append(raw.Ranges, rg)
			}
		}
	}
	if !matched {
		return RawVulnerability{}, false
	}

	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			raw.Summary = firstLine(d.Value)
			break
		}
	}
	if t, err := time.Parse(nvdTimeLayout, c.Published); err == nil {
		raw.Published = t.UTC()
	}
	switch {
	case len(c.Metrics.V31) > 0:
		raw.CVSSScore = c.Metrics.V31[0].CVSSData.BaseScore
		raw.Severity = model.ParseSeverity(c.Metrics.V31[0].CVSSData.BaseSeverity)
	case len(c.Metrics.V30) > 0:
		raw.CVSSScore = c.Metrics.V30[0].CVSSData.BaseScore
		raw.Severity = model.ParseSeverity(c.Metrics.V30[0].CVSSData.BaseSeverity)
	case len(c.Metrics.V2) > 0:
		raw.CVSSScore = c.Metrics.V2[0].CVSSData.BaseScore
		raw.Severity = model.ParseSeverity(c.Metrics.V2[0].BaseSeverity)
	}
	return raw, true
}
