package domain

import "math"

// Tolerances are grouped by what they compare so that every component uses
// the same notion of "equal".
const (
	// PriceEpsilon is used for price equality and zero-risk checks.
	PriceEpsilon = 1e-8
	// PercentEpsilon is used for close-percent sums and full-close detection.
	PercentEpsilon = 1e-4

	// MatchPriceDecimals and MatchPercentDecimals define the rounding of the
	// composite key used to correlate events that carry no update id.
	MatchPriceDecimals   = 5
	MatchPercentDecimals = 2

	FullClosePercent = 100.0
)

func PriceEqual(a, b float64) bool {
	return math.Abs(a-b) <= PriceEpsilon
}

func PercentEqual(a, b float64) bool {
	return math.Abs(a-b) <= PercentEpsilon
}

// IsFullClose reports whether a close percent closes the whole position.
func IsFullClose(percent float64) bool {
	return percent >= FullClosePercent-PercentEpsilon
}

// LegacyTolerance is the accepted distance between a stored remaining risk
// and a ladder prefix when inferring executions for old data.
func LegacyTolerance(initialRisk float64) float64 {
	return math.Max(0.02, initialRisk*0.005)
}

// IsFinite reports whether v is a usable number.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
