package model

// RiskFactor is one static lookup entry mapping a finding category to a cost.
type RiskFactor struct {
	Category        string  `json:"category" yaml:"category"`
	BaseImpact      float64 `json:"base_impact" yaml:"base_impact"`
	Likelihood      float64 `json:"likelihood" yaml:"likelihood"`
	RemediationDays int     `json:"remediation_days" yaml:"remediation_days"`
	Citation        string  `json:"citation" yaml:"citation"`
}

// OrgProfile describes the organization being assessed.
type OrgProfile struct {
	Industry      string   `json:"industry,omitempty" yaml:"industry"`
	EmployeeCount *int     `json:"employee_count,omitempty" yaml:"employee_count"`
	AnnualRevenue *float64 `json:"annual_revenue,omitempty" yaml:"annual_revenue"`
}

// AppliedFactor records one factor used in a calculation.
type AppliedFactor struct {
	FindingType string  `json:"finding_type"`
	Category    string  `json:"category"`
	Count       int     `json:"count"`
	Impact      float64 `json:"impact"`
	Likelihood  float64 `json:"likelihood"`
}

// FinancialImpactCalculation is the output of the risk aggregator.
type FinancialImpactCalculation struct {
	BaseImpact         float64 `json:"base_impact"`
	IndustryMultiplier float64 `json:"industry_multiplier"`
	Industry           string  `json:"industry"`
	SizeMultiplier     float64 `json:"size_multiplier"`
	SizeCategory       string  `json:"size_category"`
	AdjustedImpact     float64 `json:"adjusted_impact"`
	TotalLikelihood    float64 `json:"total_likelihood"`
	ExpectedValue      float64 `json:"expected_value"`

	// ConfidenceInterval is [low, high].
	ConfidenceInterval [2]float64 `json:"confidence_interval"`

	FactorsApplied []AppliedFactor `json:"factors_applied"`
	Citations      []string        `json:"citations"`
	Justification  string          `json:"justification"`
}
