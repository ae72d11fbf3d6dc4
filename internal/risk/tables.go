package risk

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/raysh454/vigil/internal/model"
)

// Size categories.
const (
	SizeSmall      = "small"
	SizeMidMarket  = "mid-market"
	SizeEnterprise = "enterprise"
)

// IndustryOther is the baseline used for missing or unknown industries.
const IndustryOther = "other"

// Multiplier is one industry or size adjustment and its source.
type Multiplier struct {
	Value    float64 `yaml:"multiplier"`
	Citation string  `yaml:"citation"`
}

// Thresholds split organizations into size categories. An organization is
// small below the Small* bound and mid-market below the Mid* bound.
type Thresholds struct {
	SmallEmployees int     `yaml:"small_employees"`
	MidEmployees   int     `yaml:"mid_employees"`
	SmallRevenue   float64 `yaml:"small_revenue"`
	MidRevenue     float64 `yaml:"mid_revenue"`
}

// Tables holds every lookup the aggregator reads. It is built once by
// DefaultTables or LoadTables and never modified afterwards; the accessors
// hand out copies.
type Tables struct {
	factors    map[string]model.RiskFactor
	industries map[string]Multiplier
	aliases    map[string]string
	sizes      map[string]Multiplier
	thresholds Thresholds
}

const (
	citeIBM2023      = "IBM Security, Cost of a Data Breach Report 2023"
	citeVerizon2023  = "Verizon 2023 Data Breach Investigations Report"
	citeIBMIndustry  = "IBM Security, Cost of a Data Breach Report 2023, cost by industry"
	citeIBMOrgSize   = "IBM Security, Cost of a Data Breach Report 2023, cost by organization size"
	citeCISAKEV      = "CISA Known Exploited Vulnerabilities Catalog"
	citeDMARCOrg     = "M3AAWG / DMARC.org email authentication guidance"
	citeOWASPHeaders = "OWASP Secure Headers Project"
)

// DefaultTables returns the built-in tables.
func DefaultTables() Tables {
	return Tables{
		factors: map[string]model.RiskFactor{
			model.ArtifactExposedDatabase:     {Category: "data-exposure", BaseImpact: 180000, Likelihood: 0.75, RemediationDays: 14, Citation: citeIBM2023},
			model.ArtifactVulnerableComponent: {Category: "unpatched-software", BaseImpact: 120000, Likelihood: 0.6, RemediationDays: 21, Citation: citeCISAKEV},
			model.ArtifactExposedService:      {Category: "attack-surface", BaseImpact: 75000, Likelihood: 0.45, RemediationDays: 7, Citation: citeVerizon2023},
			model.ArtifactTypoDomain:          {Category: "brand-impersonation", BaseImpact: 60000, Likelihood: 0.4, RemediationDays: 30, Citation: citeVerizon2023},
			model.ArtifactWeakTLS:             {Category: "transport-security", BaseImpact: 45000, Likelihood: 0.3, RemediationDays: 30, Citation: citeIBM2023},
			model.ArtifactMissingSPF:          {Category: "email-spoofing", BaseImpact: 25000, Likelihood: 0.35, RemediationDays: 2, Citation: citeDMARCOrg},
			model.ArtifactMissingDMARC:        {Category: "email-spoofing", BaseImpact: 25000, Likelihood: 0.35, RemediationDays: 2, Citation: citeDMARCOrg},
			model.ArtifactMissingHeader:       {Category: "web-hardening", BaseImpact: 8000, Likelihood: 0.15, RemediationDays: 3, Citation: citeOWASPHeaders},
			model.ArtifactServerBanner:        {Category: "information-disclosure", BaseImpact: 2000, Likelihood: 0.1, RemediationDays: 1, Citation: citeOWASPHeaders},
		},
		industries: map[string]Multiplier{
			"healthcare":     {1.9, citeIBMIndustry},
			"financial":      {1.6, citeIBMIndustry},
			"pharmaceutical": {1.5, citeIBMIndustry},
			"energy":         {1.4, citeIBMIndustry},
			"technology":     {1.3, citeIBMIndustry},
			"education":      {1.1, citeIBMIndustry},
			"manufacturing":  {1.1, citeIBMIndustry},
			"retail":         {1.0, citeIBMIndustry},
			"public-sector":  {1.0, citeIBMIndustry},
			"hospitality":    {0.9, citeIBMIndustry},
			IndustryOther:    {1.0, citeIBMIndustry},
		},
		aliases: map[string]string{
			"health":             "healthcare",
			"hospital":           "healthcare",
			"finance":            "financial",
			"financial-services": "financial",
			"banking":            "financial",
			"pharma":             "pharmaceutical",
			"tech":               "technology",
			"software":           "technology",
			"government":         "public-sector",
		},
		sizes: map[string]Multiplier{
			SizeSmall:      {0.8, citeIBMOrgSize},
			SizeMidMarket:  {1.2, citeIBMOrgSize},
			SizeEnterprise: {1.6, citeIBMOrgSize},
		},
		thresholds: Thresholds{
			SmallEmployees: 50,
			MidEmployees:   1000,
			SmallRevenue:   10_000_000,
			MidRevenue:     1_000_000_000,
		},
	}
}

// Factor returns the risk factor for a finding type.
func (t Tables) Factor(findingType string) (model.RiskFactor, bool) {
	f, ok := t.factors[findingType]
	return f, ok
}

// FactorTypes lists the mapped finding types, sorted.
func (t Tables) FactorTypes() []string {
	out := make([]string, 0, len(t.factors))
	for k := range t.factors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Industry resolves raw to a known industry and its multiplier, falling
// back to IndustryOther.
func (t Tables) Industry(raw string) (string, Multiplier) {
	key := normalizeKey(raw)
	if canon, ok := t.aliases[key]; ok {
		key = canon
	}
	if m, ok := t.industries[key]; ok {
		return key, m
	}
	return IndustryOther, t.industries[IndustryOther]
}

// SizeCategory derives the size category from employee count, then
// revenue, then the mid-market default.
func (t Tables) SizeCategory(p *model.OrgProfile) string {
	if p == nil {
		return SizeMidMarket
	}
	th := t.thresholds
	switch {
	case p.EmployeeCount != nil:
		n := *p.EmployeeCount
		switch {
		case n < th.SmallEmployees:
			return SizeSmall
		case n < th.MidEmployees:
			return SizeMidMarket
		default:
			return SizeEnterprise
		}
	case p.AnnualRevenue != nil:
		r := *p.AnnualRevenue
		switch {
		case r < th.SmallRevenue:
			return SizeSmall
		case r < th.MidRevenue:
			return SizeMidMarket
		default:
			return SizeEnterprise
		}
	}
	return SizeMidMarket
}

// Size returns the multiplier for a size category, defaulting to mid-market.
func (t Tables) Size(category string) Multiplier {
	if m, ok := t.sizes[category]; ok {
		return m
	}
	return t.sizes[SizeMidMarket]
}

func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "-", "_", "-").Replace(s)
}

// tablesFile is the YAML shape accepted by LoadTables. Every section is
// optional and overlays the defaults entry by entry.
type tablesFile struct {
	Factors    map[string]model.RiskFactor `yaml:"factors"`
	Industries map[string]Multiplier       `yaml:"industries"`
	Aliases    map[string]string           `yaml:"aliases"`
	Sizes      map[string]Multiplier       `yaml:"sizes"`
	Thresholds *Thresholds                 `yaml:"size_thresholds"`
}

// LoadTables reads YAML overrides from r on top of DefaultTables.
func LoadTables(r io.Reader) (Tables, error) {
	var f tablesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return Tables{}, fmt.Errorf("decode risk tables: %w", err)
	}

	t := DefaultTables()
	for k, v := range f.Factors {
		if v.BaseImpact < 0 || v.Likelihood < 0 || v.Likelihood > 1 {
			return Tables{}, fmt.Errorf("risk factor %q: base_impact must be >= 0 and likelihood in [0,1]", k)
		}
		t.factors[k] = v
	}
	for k, v := range f.Industries {
		if v.Value <= 0 {
			return Tables{}, fmt.Errorf("industry %q: multiplier must be > 0", k)
		}
		t.industries[normalizeKey(k)] = v
	}
	for k, v := range f.Aliases {
		t.aliases[normalizeKey(k)] = normalizeKey(v)
	}
	for k, v := range f.Sizes {
		if _, ok := t.sizes[k]; !ok {
			return Tables{}, fmt.Errorf("unknown size category %q", k)
		}
		if v.Value <= 0 {
			return Tables{}, fmt.Errorf("size %q: multiplier must be > 0", k)
		}
		t.sizes[k] = v
	}
	if f.Thresholds != nil {
		th := *f.Thresholds
		if th.SmallEmployees <= 0 || th.MidEmployees <= th.SmallEmployees ||
			th.SmallRevenue <= 0 || th.MidRevenue <= th.SmallRevenue {
			return Tables{}, fmt.Errorf("size thresholds must be positive and increasing")
		}
		t.thresholds = th
	}
	return t, nil
}

// LoadTablesFile is LoadTables for a file path.
func LoadTablesFile(path string) (Tables, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Tables{}, fmt.Errorf("open risk tables: %w", err)
	}
	defer fh.Close()
	return LoadTables(fh)
}
