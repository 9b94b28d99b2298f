package report

import (
	"strings"
	"testing"
)

const sampleTable = `| Line Item | Potential Issue | Estimated Savings |
|---|---|---|
| CBC Panel | Duplicate charge | $45.00 |
| Room & Board | Upcoding | $250.00 |
| IV Saline | Unbundling | $32.50 |`

func TestParseTableWellFormed(t *testing.T) {
	parsed := ParseTable(sampleTable)
	if !parsed.IsTable() {
		t.Fatalf("expected a table")
	}
	if len(parsed.Headers) != 3 {
		t.Fatalf("expected 3 headers, got %d: %v", len(parsed.Headers), parsed.Headers)
	}
	if parsed.Headers[0] != "Line Item" {
		t.Fatalf("unexpected first header %q", parsed.Headers[0])
	}
	if len(parsed.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(parsed.Rows))
	}
	for i, row := range parsed.Rows {
		if len(row) != len(parsed.Headers) {
			t.Fatalf("row %d has %d cells, want %d", i, len(row), len(parsed.Headers))
		}
	}
	if parsed.Rows[1][2] != "$250.00" {
		t.Fatalf("unexpected cell %q", parsed.Rows[1][2])
	}
}

func TestParseTableWithPreambleAndAlignment(t *testing.T) {
	markdown := "Here is the audit of your bill.\n\n" +
		"| Item | Issue |\n" +
		"|:-----|------:|\n" +
		"| X-Ray | Duplicate |\n"
	parsed := ParseTable(markdown)
	if len(parsed.Headers) != 2 {
		t.Fatalf("expected 2 headers, got %v", parsed.Headers)
	}
	if len(parsed.Rows) != 1 || parsed.Rows[0][0] != "X-Ray" {
		t.Fatalf("unexpected rows %v", parsed.Rows)
	}
}

func TestParseTableNoSeparatorFallsBack(t *testing.T) {
	raw := "No obvious errors or overcharges were found in the provided bill."
	parsed := ParseTable(raw)
	if parsed.IsTable() {
		t.Fatalf("expected fallback, got headers %v", parsed.Headers)
	}
	if len(parsed.Rows) != 1 || len(parsed.Rows[0]) != 1 {
		t.Fatalf("expected single fallback row, got %v", parsed.Rows)
	}
	if parsed.Rows[0][0] != raw {
		t.Fatalf("fallback row should carry raw text, got %q", parsed.Rows[0][0])
	}
}

func TestParseTableEmptyInput(t *testing.T) {
	parsed := ParseTable("   \n  ")
	if len(parsed.Headers) != 0 || len(parsed.Rows) != 0 {
		t.Fatalf("expected empty result, got %+v", parsed)
	}
}

func TestParseTableDiscrepancyBanner(t *testing.T) {
	markdown := "### Point-of-Sale Discrepancy Found!\n" + sampleTable
	parsed := ParseTable(markdown)
	if parsed.Callout != "Point-of-Sale Discrepancy Found!" {
		t.Fatalf("unexpected callout %q", parsed.Callout)
	}
	if len(parsed.Headers) != 3 {
		t.Fatalf("banner must not eat the header row, got %v", parsed.Headers)
	}
	if len(parsed.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(parsed.Rows))
	}
}

func TestParseTableBannerWithoutTable(t *testing.T) {
	markdown := "### Point-of-Sale Discrepancy Found!\nYou were charged more than your co-pay."
	parsed := ParseTable(markdown)
	if parsed.Callout == "" {
		t.Fatalf("expected callout to survive fallback")
	}
	if len(parsed.Rows) != 1 {
		t.Fatalf("expected fallback row, got %v", parsed.Rows)
	}
}

func TestParseTableRaggedRowsNormalized(t *testing.T) {
	markdown := "| A | B | C |\n|---|---|---|\n| one | two |\n| one | two | three | four |"
	parsed := ParseTable(markdown)
	if len(parsed.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(parsed.Rows))
	}
	for i, row := range parsed.Rows {
		if len(row) != 3 {
			t.Fatalf("row %d not normalized to header width: %v", i, row)
		}
	}
	if parsed.Rows[0][2] != "" {
		t.Fatalf("short row should be padded with empty cell, got %q", parsed.Rows[0][2])
	}
	if parsed.Rows[1][2] != "three" {
		t.Fatalf("long row should be truncated, got %v", parsed.Rows[1])
	}
}

func TestParseTableManyRows(t *testing.T) {
	var b strings.Builder
	b.WriteString("| Item | Savings |\n|---|---|\n")
	for i := 0; i < 25; i++ {
		b.WriteString("| item | $1.00 |\n")
	}
	parsed := ParseTable(b.String())
	if len(parsed.Rows) != 25 {
		t.Fatalf("expected 25 rows, got %d", len(parsed.Rows))
	}
}
