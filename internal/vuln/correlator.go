package vuln

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

// Confidence and scoring constants.
const (
	baseConfidence     = 60
	exactMatchBonus    = 25
	inRangeBonus       = 10
	stalePenalty       = 20
	staleAfter         = 5 * 365 * 24 * time.Hour
	recentWindow       = 2 * 365 * 24 * time.Hour
	recentOutdated     = 5
	kevBoost           = 2.0
	epssBoost          = 1.0
	epssHighThresh     = 0.5
	maxScore           = 10.0
	defaultSeverity    = model.SeverityMedium
	defaultConcurrency = 4
)

// bucketScore is the fallback score for matches without CVSS.
var bucketScore = map[model.Severity]float64{
	model.SeverityCritical: 9.5,
	model.SeverityHigh:     7.5,
	model.SeverityMedium:   5.0,
	model.SeverityLow:      2.5,
	model.SeverityInfo:     0,
}

// Correlator queries every source for a component, merges the answers and
// scores them. Sources are consulted concurrently, but their order is
// significant: on a conflicting identifier the earlier source's record is
// kept.
type Correlator struct {
	sources     []Source
	intel       Enricher
	logger      logging.Logger
	now         func() time.Time
	concurrency int
}

type Option func(*Correlator)

// WithClock sets the reference time used for age-based confidence and
// freshness.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithConcurrency bounds how many components CorrelateAll processes at once.
func WithConcurrency(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// NewCorrelator builds a correlator. The first source is the primary one;
// intel may be nil.
func NewCorrelator(sources []Source, intel Enricher, logger logging.Logger, opts ...Option) *Correlator {
	if logger == nil {
		logger = logging.Nop{}
	}
	c := &Correlator{
		sources:     append([]Source(nil), sources...),
		intel:       intel,
		logger:      logger.With(logging.Field{Key: "component", Value: "correlator"}),
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: defaultConcurrency,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type sourceResult struct {
	vulns []RawVulnerability
	err   error
}

// Correlate produces the vulnerability report for one component. It never
// fails: sources that error contribute nothing and are listed in
// SourceErrors.
func (c *Correlator) Correlate(ctx context.Context, comp model.NormalizedComponent) model.ComponentVulnerabilityReport {
	report := model.ComponentVulnerabilityReport{
		Component: comp,
		Matches:   []model.VulnerabilityMatch{},
	}

	var version *semver.Version
	if strings.TrimSpace(comp.Version) != "" {
		v, err := parseVersion(comp.Version)
		if err != nil {
			c.logger.Info("skipping component with unmatchable version",
				logging.Field{Key: "name", Value: comp.Name},
				logging.Field{Key: "version", Value: comp.Version})
			report.Freshness = model.FreshnessUnknown
			return report
		}
		version = v
	}

	results := make([]sourceResult, len(c.sources))
	var g errgroup.Group
	for i, src := range c.sources {
		g.Go(func() error {
			vulns, err := src.QueryByComponent(ctx, comp.Ecosystem, comp.Name, comp.Version)
			results[i] = sourceResult{vulns: vulns, err: err}
			return nil
		})
	}
	_ = g.Wait()

	type entry struct {
		raw    RawVulnerability
		source string
		app    applicability
	}
	var (
		merged []entry
		seen   = map[string]struct{}{}
	)
	for i, res := range results {
		name := c.sources[i].Name()
		if res.err != nil {
			c.recordSourceError(&report, name, res.err)
			continue
		}
		for _, raw := range res.vulns {
			app := applicability{affected: true}
			if version != nil {
				app = evaluate(version, raw)
			}
			if !app.affected {
				continue
			}
			ids := raw.identifiers()
			dup := false
			for _, id := range ids {
				if _, ok := seen[id]; ok {
					dup = true
					break
				}
			}
			for _, id := range ids {
				seen[id] = struct{}{}
			}
			if dup {
				continue
			}
			merged = append(merged, entry{raw: raw, source: name, app: app})
		}
	}

	signals := map[string]ExploitSignal{}
	if c.intel != nil && len(merged) > 0 {
		var cves []string
		for _, e := range merged {
			for _, id := range e.raw.identifiers() {
				if strings.HasPrefix(id, "CVE-") {
					cves = append(cves, id)
				}
			}
		}
		if len(cves) > 0 {
			s, err := c.intel.Enrich(ctx, cves)
			if err != nil {
				c.recordSourceError(&report, c.intel.Name(), err)
			}
			if s != nil {
				signals = s
			}
		}
	}

	now := c.now()
	for _, e := range merged {
		m := model.VulnerabilityMatch{
			ID:            e.raw.ID,
			Aliases:       e.raw.Aliases,
			Summary:       e.raw.Summary,
			Severity:      e.raw.Severity,
			CVSSScore:     e.raw.CVSSScore,
			AffectedRange: e.app.rangeStr,
			FixedVersion:  e.app.fixed,
			Source:        e.source,
			Published:     e.raw.Published,
		}
		if !m.Severity.IsValid() {
			if m.CVSSScore > 0 {
				m.Severity = model.SeverityFromCVSS(m.CVSSScore)
			} else {
				m.Severity = defaultSeverity
			}
		}
		for _, id := range e.raw.identifiers() {
			if sig, ok := signals[id]; ok {
				m.KnownExploited = m.KnownExploited || sig.KnownExploited
				m.EPSS = math.Max(m.EPSS, sig.EPSS)
			}
		}
		m.Confidence = confidence(e.raw.ExactMatch, e.app.inRange, e.raw.Published, now)
		m.RiskScore = matchScore(m)
		report.Matches = append(report.Matches, m)
	}

	sortMatches(report.Matches)
	for _, m := range report.Matches {
		report.RiskScore = math.Max(report.RiskScore, m.RiskScore)
	}
	report.Freshness = freshness(report.Matches, now)
	return report
}

// CorrelateAll correlates components concurrently and returns the reports
// in input order.
func (c *Correlator) CorrelateAll(ctx context.Context, comps []model.NormalizedComponent) []model.ComponentVulnerabilityReport {
	out := make([]model.ComponentVulnerabilityReport, len(comps))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, comp := range comps {
		g.Go(func() error {
			out[i] = c.Correlate(ctx, comp)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Correlator) recordSourceError(report *model.ComponentVulnerabilityReport, name string, err error) {
	var ext *model.ExternalServiceError
	if !errors.As(err, &ext) {
		err = &model.ExternalServiceError{Service: name, Err: err}
	}
	c.logger.Warn("vulnerability source failed",
		logging.Field{Key: "source", Value: name},
		logging.Field{Key: "component", Value: report.Component.Name},
		logging.Field{Key: "error", Value: err})
	report.SourceErrors = append(report.SourceErrors, name)
}

func confidence(exact, inRange bool, published, now time.Time) int {
	c := baseConfidence
	if exact {
		c += exactMatchBonus
	}
	if inRange {
		c += inRangeBonus
	}
	if !published.IsZero() && published.Before(now.Add(-staleAfter)) {
		c -= stalePenalty
	}
	return min(100, max(0, c))
}

// matchScore is the CVSS (or severity bucket) plus exploitation boosts,
// capped at 10 and scaled by confidence.
func matchScore(m model.VulnerabilityMatch) float64 {
	s := m.CVSSScore
	if s <= 0 {
		s = bucketScore[m.Severity]
	}
	if m.KnownExploited {
		s += kevBoost
	}
	if m.EPSS >= epssHighThresh {
		s += epssBoost * math.Min(1, m.EPSS)
	}
	s = math.Min(maxScore, s) * float64(m.Confidence) / 100
	return math.Round(s*100) / 100
}

func sortMatches(ms []model.VulnerabilityMatch) {
	sort.SliceStable(ms, func(i, j int) bool {
		ri, rj := ms[i].Severity.Rank(), ms[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if ms[i].RiskScore != ms[j].RiskScore {
			return ms[i].RiskScore > ms[j].RiskScore
		}
		return ms[i].ID < ms[j].ID
	})
}

func freshness(ms []model.VulnerabilityMatch, now time.Time) model.VersionFreshness {
	if len(ms) == 0 {
		return model.FreshnessCurrent
	}
	recent := 0
	for _, m := range ms {
		if m.Severity == model.SeverityCritical {
			return model.FreshnessOutdated
		}
		if !m.Published.IsZero() && m.Published.After(now.Add(-recentWindow)) {
			recent++
		}
	}
	if recent > recentOutdated {
		return model.FreshnessOutdated
	}
	return model.FreshnessUnknown
}
