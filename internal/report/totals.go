package report

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var currencyPattern = regexp.MustCompile(`\$\s*([0-9][0-9,]*(?:\.[0-9]{2})?)`)

// Totals derives (billed, expected) from the analysis markdown when the
// model did not return explicit totals. Per table row the largest dollar
// figure is taken as the charge and, only when a row carries more than one
// figure, the last one as the savings; expected = billed - savings.
//
// This is a display heuristic, not accounting: rows with zero or one
// figure contribute no savings, and unrelated dollar mentions are counted
// best-effort. Callers must not treat the result as authoritative.
func Totals(markdown string) (billed, expected decimal.Decimal) {
	savings := decimal.Zero
	for _, line := range strings.Split(markdown, "\n") {
		if !strings.Contains(line, "|") || !strings.Contains(line, "$") {
			continue
		}
		amounts := extractAmounts(line)
		if len(amounts) == 0 {
			continue
		}
		charge := amounts[0]
		for _, a := range amounts[1:] {
			if a.GreaterThan(charge) {
				charge = a
			}
		}
		billed = billed.Add(charge)
		if len(amounts) > 1 {
			savings = savings.Add(amounts[len(amounts)-1])
		}
	}
	return billed, billed.Sub(savings)
}

var leadingNumber = regexp.MustCompile(`-?[0-9]+(?:\.[0-9]+)?`)

// ParseAmount cleans a currency string like "$1,234.56" into a decimal.
// Trailing text after the number ("$20.00 Co-pay") is ignored; input with
// no number at all yields zero.
func ParseAmount(s string) decimal.Decimal {
	cleaned := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(s))
	num := leadingNumber.FindString(cleaned)
	if num == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func extractAmounts(line string) []decimal.Decimal {
	matches := currencyPattern.FindAllStringSubmatch(line, -1)
	amounts := make([]decimal.Decimal, 0, len(matches))
	for _, m := range matches {
		d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			continue
		}
		amounts = append(amounts, d)
	}
	return amounts
}
