package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditStatus tracks the lifecycle of an audit record. The only transition
// in normal operation is pending -> paid.
type AuditStatus string

const (
	AuditStatusPending AuditStatus = "pending"
	AuditStatusPaid    AuditStatus = "paid"
	// AuditStatusActive is a legacy value written by early subscription
	// syncs; readers treat it the same as paid.
	AuditStatusActive AuditStatus = "active"
)

// AuditRecord is one bill analysis session and its derived report.
// Pending records live in the staging cache; paid records live in the
// audits table.
type AuditRecord struct {
	ID             string          `json:"id"`
	UserID         int64           `json:"user_id,omitempty"`
	Status         AuditStatus     `json:"status"`
	IsUnlocked     bool            `json:"is_unlocked"`
	BilledAmount   decimal.Decimal `json:"billed_amount"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	AnalysisTable  string          `json:"analysis_table"`
	PatientName    string          `json:"patient_name"`
	Reasoning      string          `json:"reasoning"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Unlocked reports whether the detailed report may be shown.
func (r *AuditRecord) Unlocked() bool {
	return r.Status == AuditStatusPaid || r.Status == AuditStatusActive
}

// HasOvercharge is the domain condition the product surfaces: the bill
// asks for more than the patient should owe.
func (r *AuditRecord) HasOvercharge() bool {
	return r.BilledAmount.GreaterThan(r.ExpectedAmount)
}
