package usecase

import (
	"math"

	"github.com/vitos/signal_ladder/internal/domain"
)

// RiskDistance is the price distance from entry to stop, positive when the
// stop sits on the losing side.
func RiskDistance(dir domain.Direction, entry, stop float64) float64 {
	if dir == domain.DirectionSell {
		return stop - entry
	}
	return entry - stop
}

// RewardDistance is the price distance from entry to target, positive when
// the target is profitable.
func RewardDistance(dir domain.Direction, entry, target float64) float64 {
	if dir == domain.DirectionSell {
		return entry - target
	}
	return target - entry
}

// SignedRR returns reward/risk for target. An adverse target gives a negative
// ratio. With a zero-risk (break-even) stop the ratio collapses to +1, -1 or 0
// depending on which side of entry the target is.
func SignedRR(dir domain.Direction, entry, stop, target float64) float64 {
	risk := RiskDistance(dir, entry, stop)
	reward := RewardDistance(dir, entry, target)

	if math.Abs(risk) <= domain.PriceEpsilon {
		switch {
		case reward > domain.PriceEpsilon:
			return 1
		case reward < -domain.PriceEpsilon:
			return -1
		}
		return 0
	}
	return reward / risk
}

// Beyond reports whether price is strictly past ref in the profitable
// direction: above for BUY, below for SELL.
func Beyond(dir domain.Direction, ref, price float64) bool {
	return RewardDistance(dir, ref, price) > domain.PriceEpsilon
}

// IsProfitable reports whether price is strictly on the profitable side of entry.
func IsProfitable(dir domain.Direction, entry, price float64) bool {
	return Beyond(dir, entry, price)
}

// IsLosingSide reports whether price is strictly on the losing side of entry.
func IsLosingSide(dir domain.Direction, entry, price float64) bool {
	return Beyond(dir, price, entry)
}
