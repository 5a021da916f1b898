// Package ledger implements the billing and payment ledger engine: bill
// calculators, the payment allocator and the outstanding aggregator. Every
// function is pure; persistence belongs to the caller.
package ledger

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DateLayout is the calendar date format used for bill dates.
const DateLayout = "2006-01-02"

// amountEpsilon absorbs float noise when comparing money values.
const amountEpsilon = 1e-9

var amountPrinter = message.NewPrinter(language.English)

// PercentageOf returns pct percent of base.
func PercentageOf(base, pct float64) float64 {
	return base * pct / 100
}

// BillableWeight applies a percentage weight deduction to the actual weight.
func BillableWeight(actualWeight, deductionPct float64) float64 {
	return actualWeight * (1 - deductionPct/100)
}

// RoundForDisplay rounds to two decimals, half away from zero. Calculators
// never call it; it exists for presentation only.
func RoundForDisplay(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// FormatAmount renders an amount with thousand separators and two decimals.
func FormatAmount(v float64) string {
	return amountPrinter.Sprintf("%.2f", RoundForDisplay(v))
}

// IsZeroAmount reports whether v is zero up to float noise.
func IsZeroAmount(v float64) bool {
	return math.Abs(v) <= amountEpsilon
}

// finite reports whether v is a usable money or weight value. NaN slips past
// every ordered comparison, so guards check it explicitly.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validDeductions(field string, ds []Deduction) error {
	for i, d := range ds {
		if !finite(d.Amount) {
			return &ValidationError{Field: fmt.Sprintf("%s[%d].amount", field, i), Reason: "must be a finite number"}
		}
	}
	return nil
}

func sumDeductions(ds []Deduction) float64 {
	var total float64
	for _, d := range ds {
		total += d.Amount
	}
	return total
}
