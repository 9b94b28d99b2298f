package models

import "github.com/shopspring/decimal"

// DiscrepancyDetails describes a point-of-sale discrepancy found while
// cross-referencing the bill against the insurance summary of benefits.
type DiscrepancyDetails struct {
	PatientName    string `json:"patient_name,omitempty"`
	ExpectedAmount string `json:"expected_amount,omitempty"`
	BilledAmount   string `json:"billed_amount,omitempty"`
	PlanReference  string `json:"plan_reference,omitempty"`
}

// AnalysisResult is the normalized output of one bill analysis. The model
// response is heterogeneous across fields and modes; the analysis package
// folds every shape into this one before anything else sees it.
type AnalysisResult struct {
	AnalysisMarkdown string              `json:"analysis_markdown"`
	Discrepancy      *DiscrepancyDetails `json:"discrepancy_details,omitempty"`
	LogicTrace       []string            `json:"logic_trace,omitempty"`
	BilledTotal      decimal.Decimal     `json:"billed_total"`
	ExpectedTotal    decimal.Decimal     `json:"expected_total"`
	PatientName      string              `json:"patient_name"`
	Reasoning        string              `json:"reasoning"`
}

// HasOvercharge reports whether the bill total exceeds the expected total.
func (r *AnalysisResult) HasOvercharge() bool {
	return r.BilledTotal.GreaterThan(r.ExpectedTotal)
}
