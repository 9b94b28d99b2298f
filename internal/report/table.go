package report

import (
	"strings"

	"claimcare/internal/models"
)

// ParseTable turns analysis markdown into a structured table. The input is
// whatever the model produced: possibly a clean table, possibly free text,
// possibly empty. Malformed tables degrade to the raw-text fallback rather
// than erroring; callers render the fallback row as plain text.
func ParseTable(markdown string) models.ParsedTable {
	trimmed := strings.TrimSpace(markdown)
	if trimmed == "" {
		return models.ParsedTable{Headers: []string{}, Rows: [][]string{}}
	}

	lines := make([]string, 0, 16)
	for _, line := range strings.Split(trimmed, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			lines = append(lines, l)
		}
	}

	// A leading "### ..." banner is the point-of-sale discrepancy flag,
	// surfaced as a callout instead of being mistaken for a header.
	var callout string
	if len(lines) > 0 && strings.HasPrefix(lines[0], "###") {
		callout = strings.TrimSpace(strings.TrimLeft(lines[0], "#"))
		lines = lines[1:]
	}

	sepIdx := -1
	for i, line := range lines {
		if isSeparatorLine(line) {
			sepIdx = i
			break
		}
	}
	if sepIdx <= 0 {
		// No separator (or nothing above it): not a table.
		return fallbackTable(callout, trimmed)
	}

	headers := splitCells(lines[sepIdx-1])
	if len(headers) == 0 {
		return fallbackTable(callout, trimmed)
	}

	rows := make([][]string, 0, len(lines)-sepIdx-1)
	for _, line := range lines[sepIdx+1:] {
		if !strings.Contains(line, "|") {
			continue
		}
		cells := splitCells(line)
		if len(cells) == 0 {
			continue
		}
		rows = append(rows, normalizeRow(cells, len(headers)))
	}

	return models.ParsedTable{Callout: callout, Headers: headers, Rows: rows}
}

func fallbackTable(callout, raw string) models.ParsedTable {
	return models.ParsedTable{
		Callout: callout,
		Headers: []string{},
		Rows:    [][]string{{raw}},
	}
}

// isSeparatorLine matches the delimiter row under a markdown table header,
// e.g. "|---|:---:|---|".
func isSeparatorLine(line string) bool {
	if !strings.Contains(line, "-") {
		return false
	}
	for _, r := range line {
		switch r {
		case '|', '-', ':', ' ', '\t':
		default:
			return false
		}
	}
	return true
}

// splitCells splits a table line on "|", trims each cell, and drops the
// empty leading/trailing cells produced by outer pipes.
func splitCells(line string) []string {
	parts := strings.Split(line, "|")
	if len(parts) > 0 && strings.TrimSpace(parts[0]) == "" {
		parts = parts[1:]
	}
	if len(parts) > 0 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

// normalizeRow pads or truncates a ragged row so every row matches the
// header width.
func normalizeRow(cells []string, width int) []string {
	if len(cells) == width {
		return cells
	}
	if len(cells) > width {
		return cells[:width]
	}
	padded := make([]string, width)
	copy(padded, cells)
	return padded
}
