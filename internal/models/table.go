package models

// ParsedTable is the structured view of the analysis markdown. It is
// derived on demand and never persisted.
type ParsedTable struct {
	// Callout carries a leading "### ..." banner line (the point-of-sale
	// discrepancy flag) stripped of its markdown marker. Empty when the
	// markdown has no banner.
	Callout string     `json:"callout,omitempty"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// IsTable reports whether a real table was recognized, as opposed to the
// raw-text fallback row.
func (t *ParsedTable) IsTable() bool {
	return len(t.Headers) > 0
}
