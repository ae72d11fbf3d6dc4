// Package risk turns a scan's evidence and the organization profile into a
// financial exposure estimate. Calculate is pure: the same input always
// produces the same output.
package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/raysh454/vigil/internal/model"
)

const (
	// likelihoodDamping scales each additional finding's contribution to the
	// total likelihood.
	likelihoodDamping = 0.3
	ciLow             = 0.7
	ciHigh            = 1.3
)

// Calculate computes the financial impact of findings for profile. Findings
// of the same type are summed; unmapped types contribute nothing.
func Calculate(t Tables, findings []model.TypeCount, profile *model.OrgProfile) model.FinancialImpactCalculation {
	counts := make(map[string]int, len(findings))
	for _, f := range findings {
		if f.Count > 0 {
			counts[f.Type] += f.Count
		}
	}
	types := make([]string, 0, len(counts))
	for k := range counts {
		types = append(types, k)
	}
	sort.Strings(types)

	var (
		base       float64
		likelihood float64
		applied    []model.AppliedFactor
		citations  citationList
	)
	for _, typ := range types {
		factor, ok := t.Factor(typ)
		if !ok {
			continue
		}
		n := counts[typ]
		impact := factor.BaseImpact * float64(n)
		contrib := factor.Likelihood * float64(n) * likelihoodDamping
		base += impact
		likelihood += contrib
		applied = append(applied, model.AppliedFactor{
			FindingType: typ,
			Category:    factor.Category,
			Count:       n,
			Impact:      impact,
			Likelihood:  contrib,
		})
		citations.add(factor.Citation)
	}
	likelihood = math.Min(1.0, likelihood)

	industry := IndustryOther
	if profile != nil {
		industry = profile.Industry
	}
	industry, im := t.Industry(industry)
	sizeCat := t.SizeCategory(profile)
	sm := t.Size(sizeCat)
	if len(applied) > 0 {
		citations.add(im.Citation)
		citations.add(sm.Citation)
	}

	adjusted := base * im.Value * sm.Value
	expected := adjusted * likelihood

	calc := model.FinancialImpactCalculation{
		BaseImpact:         base,
		IndustryMultiplier: im.Value,
		Industry:           industry,
		SizeMultiplier:     sm.Value,
		SizeCategory:       sizeCat,
		AdjustedImpact:     cents(adjusted),
		TotalLikelihood:    likelihood,
		ExpectedValue:      cents(expected),
		ConfidenceInterval: [2]float64{cents(expected * ciLow), cents(expected * ciHigh)},
		FactorsApplied:     applied,
		Citations:          citations.items,
	}
	calc.Justification = justify(calc)
	return calc
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}

type citationList struct {
	items []string
	seen  map[string]struct{}
}

func (c *citationList) add(s string) {
	if s == "" {
		return
	}
	if c.seen == nil {
		c.seen = map[string]struct{}{}
	}
	if _, ok := c.seen[s]; ok {
		return
	}
	c.seen[s] = struct{}{}
	c.items = append(c.items, s)
}

func justify(c model.FinancialImpactCalculation) string {
	if len(c.FactorsApplied) == 0 {
		return "No findings map to a financial risk factor; expected loss is $0."
	}
	var b strings.Builder
	parts := make([]string, 0, len(c.FactorsApplied))
	for _, f := range c.FactorsApplied {
		parts = append(parts, fmt.Sprintf("%d× %s ($%.0f)", f.Count, f.FindingType, f.Impact))
	}
	fmt.Fprintf(&b, "Base impact $%.0f from %s. ", c.BaseImpact, strings.Join(parts, ", "))
	fmt.Fprintf(&b, "Adjusted for industry %q (×%.2f) and %s organization size (×%.2f) to $%.0f. ",
		c.Industry, c.IndustryMultiplier, c.SizeCategory, c.SizeMultiplier, c.AdjustedImpact)
	fmt.Fprintf(&b, "Combined likelihood %.1f%% gives an expected loss of $%.0f (range $%.0f to $%.0f).",
		c.TotalLikelihood*100, c.ExpectedValue, c.ConfidenceInterval[0], c.ConfidenceInterval[1])
	return b.String()
}
