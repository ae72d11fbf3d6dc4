package vuln

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/vigil/internal/logging"
)

const epssBatch = 100

// ExploitIntel enriches CVEs with the CISA Known Exploited Vulnerabilities
// catalog and FIRST EPSS probabilities. The KEV catalog is downloaded once
// and reused for KEVTTL.
type ExploitIntel struct {
	kevURL  string
	epssURL string
	kevTTL  time.Duration
	feed    feedClient
	logger  logging.Logger
	now     func() time.Time

	mu         sync.Mutex
	kev        map[string]struct{}
	kevFetched time.Time
}

func NewExploitIntel(cfg Config, client *http.Client, logger logging.Logger) *ExploitIntel {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &ExploitIntel{
		kevURL:  cfg.KEVURL,
		epssURL: cfg.EPSSURL,
		kevTTL:  cfg.KEVTTL,
		feed:    newFeedClient("exploit-intel", client, cfg.IntelRate, cfg.Retry, cfg.UserAgent),
		logger:  logger.With(logging.Field{Key: "source", Value: "exploit-intel"}),
		now:     time.Now,
	}
}

func (e *ExploitIntel) Name() string { return "exploit-intel" }

type kevCatalog struct {
	CatalogVersion  string `json:"catalogVersion"`
	Vulnerabilities []struct {
		CVEID string `json:"cveID"`
	} `json:"vulnerabilities"`
}

type epssResponse struct {
	Data []struct {
		CVE  string `json:"cve"`
		EPSS string `json:"epss"`
	} `json:"data"`
}

// Enrich returns a signal for every requested CVE. When one feed fails the
// other's data is still returned alongside the error.
func (e *ExploitIntel) Enrich(ctx context.Context, cveIDs []string) (map[string]ExploitSignal, error) {
	ids := uniqueUpper(cveIDs)
	out := make(map[string]ExploitSignal, len(ids))
	for _, id := range ids {
		out[id] = ExploitSignal{}
	}

	var errs []error
	kev, err := e.catalog(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range ids {
		if _, ok := kev[id]; ok {
			sig := out[id]
			sig.KnownExploited = true
			out[id] = sig
		}
	}

	for start := 0; start < len(ids); start += epssBatch {
		end := min(start+epssBatch, len(ids))
		scores, err := e.epss(ctx, ids[start:end])
		if err != nil {
			errs = append(errs, err)
			break
		}
		for id, p := range scores {
			if sig, ok := out[id]; ok {
				sig.EPSS = p
				out[id] = sig
			}
		}
	}
	return out, errors.Join(errs...)
}

func (e *ExploitIntel) catalog(ctx context.Context) (map[string]struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kev != nil && e.now().Sub(e.kevFetched) < e.kevTTL {
		return e.kev, nil
	}

	var cat kevCatalog
	err := e.feed.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, e.kevURL, nil)
	}, &cat)
	if err != nil {
		// A stale catalog beats none.
		return e.kev, err
	}
	kev := make(map[string]struct{}, len(cat.Vulnerabilities))
	for _, v := range cat.Vulnerabilities {
		kev[strings.ToUpper(v.CVEID)] = struct{}{}
	}
	e.kev, e.kevFetched = kev, e.now()
	e.logger.Info("loaded KEV catalog",
		logging.Field{Key: "version", Value: cat.CatalogVersion},
		logging.Field{Key: "entries", Value: len(kev)})
	return kev, nil
}

func (e *ExploitIntel) epss(ctx context.Context, ids []string) (map[string]float64, error) {
	params := url.Values{}
	params.Set("cve", strings.Join(ids, ","))

	var resp epssResponse
	err := e.feed.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, e.epssURL+"?"+params.Encode(), nil)
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(resp.Data))
	for _, d := range resp.Data {
		p, err := strconv.ParseFloat(d.EPSS, 64)
		if err != nil {
			continue
		}
		out[strings.ToUpper(d.CVE)] = p
	}
	return out, nil
}

func uniqueUpper(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
