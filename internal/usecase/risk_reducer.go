package usecase

import (
	"math"
	"sort"

	"github.com/vitos/signal_ladder/internal/domain"
)

// Lens selects which ladder rows consume risk.
type Lens string

const (
	// LensActual counts only rows that verifiably triggered or executed.
	LensActual Lens = "actual"
	// LensProjected counts every published row as if it filled.
	LensProjected Lens = "projected"
)

type ReduceInput struct {
	Direction domain.Direction
	Entry     float64
	// RiskStop is the stop the position was sized against. After a break-even
	// promotion this is the pre-promotion stop, not the entry.
	RiskStop    float64
	InitialRisk float64
	Ladder      []ClassifiedUpdate
}

// LadderStep is the reducer state after one ladder row.
type LadderStep struct {
	UpdateID         string          `json:"update_id"`
	Label            string          `json:"label"`
	Status           ExecutionStatus `json:"status"`
	Counted          bool            `json:"counted"`
	TargetPrice      float64         `json:"target_price"`
	FillPrice        float64         `json:"fill_price"`
	RequestedPercent float64         `json:"requested_percent"`
	AppliedPercent   float64         `json:"applied_percent"`
	RR               float64         `json:"rr"`
	ConsumedRisk     float64         `json:"consumed_risk"`
	RemainingBefore  float64         `json:"remaining_before"`
	RemainingAfter   float64         `json:"remaining_after"`
	RemainingPercent float64         `json:"remaining_percent"`
	RealizedProfit   float64         `json:"realized_profit"`
}

type Exposure struct {
	Lens             Lens         `json:"lens"`
	InitialRisk      float64      `json:"initial_risk"`
	ConsumedRisk     float64      `json:"consumed_risk"`
	RemainingRisk    float64      `json:"remaining_risk"`
	RemainingPercent float64      `json:"remaining_percent"`
	RealizedProfit   float64      `json:"realized_profit"`
	Steps            []LadderStep `json:"steps"`
}

// RiskReducer walks a ladder in price order and accounts for the risk each
// row closes. It holds no state; the same input always gives the same output.
type RiskReducer struct{}

func NewRiskReducer() *RiskReducer {
	return &RiskReducer{}
}

func (r *RiskReducer) Reduce(in ReduceInput, lens Lens) Exposure {
	ladder := sortLadder(in.Direction, in.Ladder)

	out := Exposure{
		Lens:             lens,
		InitialRisk:      in.InitialRisk,
		RemainingPercent: domain.FullClosePercent,
		RemainingRisk:    in.InitialRisk,
		Steps:            make([]LadderStep, 0, len(ladder)),
	}

	remainingPct := domain.FullClosePercent
	for _, cu := range ladder {
		fill := cu.Update.Price
		if cu.ExecutionPrice > 0 {
			fill = cu.ExecutionPrice
		}
		step := LadderStep{
			UpdateID:         cu.Update.ID,
			Label:            cu.Update.Label,
			Status:           cu.Status,
			Counted:          lens == LensProjected || cu.Status.Counted(),
			TargetPrice:      cu.Update.Price,
			FillPrice:        fill,
			RequestedPercent: cu.Update.ClosePercent,
			RR:               SignedRR(in.Direction, in.Entry, in.RiskStop, fill),
			RemainingBefore:  amountOf(in.InitialRisk, remainingPct),
		}

		if step.Counted {
			applied, after := CloseStep(remainingPct, cu.Update.ClosePercent)
			step.AppliedPercent = applied
			step.ConsumedRisk = amountOf(in.InitialRisk, applied)
			step.RealizedProfit = step.ConsumedRisk * step.RR
			remainingPct = after
		}

		step.RemainingPercent = remainingPct
		step.RemainingAfter = amountOf(in.InitialRisk, remainingPct)

		out.ConsumedRisk += step.ConsumedRisk
		out.RealizedProfit += step.RealizedProfit
		out.Steps = append(out.Steps, step)
	}

	out.RemainingPercent = remainingPct
	out.RemainingRisk = amountOf(in.InitialRisk, remainingPct)
	return out
}

// CloseStep consumes requested points of the original 100% from remainingPct.
// Percentages are never re-based: "close 50%" always means 50 points of the
// original, capped at what remains. A full close leaves exactly zero.
func CloseStep(remainingPct, requested float64) (applied, after float64) {
	if remainingPct <= 0 {
		return 0, 0
	}
	if domain.IsFullClose(requested) {
		return remainingPct, 0
	}
	applied = math.Min(math.Max(requested, 0), remainingPct)
	after = math.Max(0, remainingPct-applied)
	return applied, after
}

// RemainingCapacity is the close percent still available once every row of
// the ladder has filled.
func RemainingCapacity(ladder []domain.TakeProfitUpdate) float64 {
	remaining := domain.FullClosePercent
	for _, u := range ladder {
		_, remaining = CloseStep(remaining, u.ClosePercent)
	}
	return remaining
}

// prefixRemaining returns the remaining risk after each prefix of the
// (already sorted) ladder; index 0 is the untouched initial risk.
func prefixRemaining(initialRisk float64, ladder []ClassifiedUpdate) []float64 {
	out := make([]float64, 0, len(ladder)+1)
	remainingPct := domain.FullClosePercent
	out = append(out, amountOf(initialRisk, remainingPct))
	for _, cu := range ladder {
		_, remainingPct = CloseStep(remainingPct, cu.Update.ClosePercent)
		out = append(out, amountOf(initialRisk, remainingPct))
	}
	return out
}

func amountOf(initialRisk, percent float64) float64 {
	if percent <= 0 {
		return 0
	}
	return initialRisk * percent / domain.FullClosePercent
}

// sortLadder orders rows by price in the profitable direction; rows at the
// same price keep creation order.
func sortLadder(dir domain.Direction, ladder []ClassifiedUpdate) []ClassifiedUpdate {
	out := make([]ClassifiedUpdate, len(ladder))
	copy(out, ladder)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Update, out[j].Update
		if !domain.PriceEqual(a.Price, b.Price) {
			return Beyond(dir, a.Price, b.Price)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}
