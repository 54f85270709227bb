package domain

import "github.com/shopspring/decimal"

var (
	varianceWarnPct     = decimal.NewFromInt(1)
	varianceCriticalPct = decimal.NewFromInt(5)
)

// ClassifyVariance grades a shift's cash variance against its expected cash.
// The percentage is returned as a fixed two-decimal string so reports don't
// depend on float formatting. A variance with no expected cash to measure it
// against is always critical.
func ClassifyVariance(varianceCents int64, expectedCents int64) (pct string, severity string) {
	if varianceCents == 0 {
		return "0.00", VarianceNormal
	}
	if expectedCents == 0 {
		return "100.00", VarianceCritical
	}
	ratio := decimal.NewFromInt(varianceCents).
		Div(decimal.NewFromInt(expectedCents)).
		Mul(decimal.NewFromInt(100)).
		Round(2)
	abs := ratio.Abs()
	switch {
	case abs.LessThanOrEqual(varianceWarnPct):
		severity = VarianceNormal
	case abs.LessThanOrEqual(varianceCriticalPct):
		severity = VarianceWarning
	default:
		severity = VarianceCritical
	}
	return ratio.StringFixed(2), severity
}
