package tasks

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

var homoglyphs = map[rune][]string{
	'o': {"0"},
	'l': {"1", "i"},
	'i': {"1", "l"},
	'e': {"3"},
	'a': {"4"},
	's': {"5"},
	'm': {"rn"},
}

// TypoDomains looks for registered lookalikes of the target's registrable
// domain.
type TypoDomains struct {
	base
	resolver    Resolver
	limit       int
	tlds        []string
	concurrency int
}

func NewTypoDomains(cfg Config, resolver Resolver, ev EvidenceWriter, logger logging.Logger) *TypoDomains {
	conc := cfg.DialConcurrency
	if conc <= 0 {
		conc = 1
	}
	return &TypoDomains{
		base:        newBase(TypoDomainsName, ev, logger),
		resolver:    resolver,
		limit:       cfg.TypoLimit,
		tlds:        append([]string(nil), cfg.TypoTLDs...),
		concurrency: conc,
	}
}

// TypoCandidates returns lookalike domains for domain in a fixed order:
// omissions, repetitions, transpositions, homoglyphs, hyphenations, then
// other top-level domains. limit <= 0 means no limit.
func TypoCandidates(domain string, tlds []string, limit int) ([]string, error) {
	registrable, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(strings.TrimSuffix(domain, ".")))
	if err != nil {
		return nil, err
	}
	suffix, _ := publicsuffix.PublicSuffix(registrable)
	label := strings.TrimSuffix(registrable, "."+suffix)

	var labels []string
	r := []rune(label)
	for i := range r {
		labels = append(labels, string(r[:i])+string(r[i+1:]))
	}
	for i := range r {
		labels = append(labels, string(r[:i+1])+string(r[i:]))
	}
	for i := 0; i+1 < len(r); i++ {
		if r[i] == r[i+1] {
			continue
		}
		s := append([]rune(nil), r...)
		s[i], s[i+1] = s[i+1], s[i]
		labels = append(labels, string(s))
	}
	for i, c := range r {
		for _, g := range homoglyphs[c] {
			labels = append(labels, string(r[:i])+g+string(r[i+1:]))
		}
	}
	for i := 1; i < len(r); i++ {
		labels = append(labels, string(r[:i])+"-"+string(r[i:]))
	}

	seen := map[string]struct{}{registrable: {}}
	var out []string
	add := func(d string) bool {
		if _, ok := seen[d]; ok {
			return true
		}
		seen[d] = struct{}{}
		out = append(out, d)
		return limit <= 0 || len(out) < limit
	}
	for _, l := range labels {
		if l == "" || strings.HasPrefix(l, "-") || strings.HasSuffix(l, "-") || strings.Contains(l, "--") {
			continue
		}
		if !add(l + "." + suffix) {
			return out, nil
		}
	}
	for _, tld := range tlds {
		tld = strings.Trim(strings.ToLower(tld), ".")
		if tld == "" || tld == suffix {
			continue
		}
		if !add(label + "." + tld) {
			return out, nil
		}
	}
	return out, nil
}

func (t *TypoDomains) Run(ctx context.Context, tc TaskContext) (int, error) {
	host, _ := splitTarget(tc.Domain)
	candidates, err := TypoCandidates(host, t.tlds, t.limit)
	if err != nil {
		return 0, fmt.Errorf("derive registrable domain of %s: %w", host, err)
	}

	resolved := make([]string, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			addrs, err := t.resolver.LookupIPAddr(gctx, c)
			if err == nil && len(addrs) > 0 {
				resolved[i] = addrs[0].IP.String()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	findings := 0
	for i, c := range candidates {
		if resolved[i] == "" {
			continue
		}
		n, err := t.record(ctx, tc, model.Artifact{
			Type:     model.ArtifactTypoDomain,
			Severity: model.SeverityMedium,
			Value:    c + " resolves to " + resolved[i],
			Meta:     map[string]any{"candidate": c, "address": resolved[i]},
		},
			"Check who owns "+c+"; register or dispute lookalikes used for phishing and monitor new registrations.",
			"A lookalike of the organization's domain is registered and can be used for phishing or credential harvesting.")
		findings += n
		if err != nil {
			return findings, err
		}
	}

	t.logger.Info("typo domain sweep complete",
		logging.Field{Key: "scan_id", Value: tc.ScanID},
		logging.Field{Key: "candidates", Value: len(candidates)},
		logging.Field{Key: "registered", Value: findings})
	return findings, nil
}
