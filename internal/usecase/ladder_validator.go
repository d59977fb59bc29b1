package usecase

import (
	"fmt"

	"github.com/vitos/signal_ladder/internal/domain"
)

// Violation names the ladder rule a submission broke.
type Violation string

const (
	RuleEmpty         Violation = "empty"
	RuleInvalidNumber Violation = "invalid_number"
	RuleInvalidKind   Violation = "invalid_kind"
	RulePercentRange  Violation = "percent_range"
	RuleCapacity      Violation = "capacity_exceeded"
	RuleDirection     Violation = "direction"
	RuleLivePrice     Violation = "live_price_order"
	RuleOrder         Violation = "order"
)

// ValidationError carries the violated rule and a message that can be shown
// to the signal owner as is.
type ValidationError struct {
	Rule    Violation
	Row     int // zero-based index in the submission, -1 for submission-wide rules
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

func violation(rule Violation, row int, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Row: row, Message: fmt.Sprintf(format, args...)}
}

// Proposal is one row of a ladder submission.
type Proposal struct {
	Label        string
	Price        float64
	ClosePercent float64
	Kind         domain.UpdateKind
	Note         string
}

// LadderCheck is the input snapshot for a submission.
type LadderCheck struct {
	Signal    *domain.Signal
	Published []domain.TakeProfitUpdate
	Proposed  []Proposal
	// LivePrice is required for live signals without any published row.
	LivePrice *float64
	// Capacity is the close percent still available, in points of the original risk.
	Capacity float64
}

type LadderValidator struct{}

func NewLadderValidator() *LadderValidator {
	return &LadderValidator{}
}

// Validate applies the ladder rules in order and returns the first violation.
// A missing live price on a live signal is reported as ErrQuoteUnavailable,
// not as a validation error.
func (v *LadderValidator) Validate(in LadderCheck) error {
	sig := in.Signal
	if len(in.Proposed) == 0 {
		return violation(RuleEmpty, -1, "Add at least one TP row")
	}

	for i, p := range in.Proposed {
		if err := checkNumbers(i, p.Price, p.ClosePercent); err != nil {
			return err
		}
		if !p.Kind.Valid() {
			return violation(RuleInvalidKind, i, "TP %d: kind must be limit or market", i+1)
		}
	}

	var total float64
	for _, p := range in.Proposed {
		total += p.ClosePercent
	}
	if total > in.Capacity+domain.PercentEpsilon {
		return violation(RuleCapacity, -1,
			"Total close percent %.2f%% exceeds the remaining %.2f%% of the position", total, in.Capacity)
	}

	for i, p := range in.Proposed {
		if !IsProfitable(sig.Direction, sig.EntryPrice, p.Price) {
			return directionViolation(i, sig.Direction)
		}
	}

	last, hasLast := furthestPrice(sig.Direction, in.Published)

	if sig.IsLive() && !hasLast {
		if in.LivePrice == nil || !domain.IsFinite(*in.LivePrice) || *in.LivePrice <= 0 {
			return fmt.Errorf("first TP on a live signal: %w", domain.ErrQuoteUnavailable)
		}
		first := in.Proposed[0]
		// Market rows are priced at the live quote itself.
		if first.Kind != domain.UpdateMarket && !Beyond(sig.Direction, *in.LivePrice, first.Price) {
			side := "above"
			if sig.Direction == domain.DirectionSell {
				side = "below"
			}
			return violation(RuleLivePrice, 0,
				"First TP must be %s the current market price (%g)", side, *in.LivePrice)
		}
	}

	prev, hasPrev := last, hasLast
	for i, p := range in.Proposed {
		if hasPrev && !Beyond(sig.Direction, prev, p.Price) {
			return orderViolation(i, sig.Direction)
		}
		prev, hasPrev = p.Price, true
	}

	return nil
}

// ValidateEdit checks a replacement for one pending row. The row must stay
// strictly between its neighbours in creation order.
func (v *LadderValidator) ValidateEdit(sig *domain.Signal, ladder []domain.TakeProfitUpdate, updateID string, p Proposal, capacity float64) error {
	if err := checkNumbers(0, p.Price, p.ClosePercent); err != nil {
		return err
	}
	if p.ClosePercent > capacity+domain.PercentEpsilon {
		return violation(RuleCapacity, 0,
			"Close percent %.2f%% exceeds the remaining %.2f%% of the position", p.ClosePercent, capacity)
	}
	if !IsProfitable(sig.Direction, sig.EntryPrice, p.Price) {
		return directionViolation(0, sig.Direction)
	}

	idx := -1
	for i, u := range ladder {
		if u.ID == updateID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("take-profit update %s: %w", updateID, domain.ErrNotFound)
	}
	if idx > 0 && !Beyond(sig.Direction, ladder[idx-1].Price, p.Price) {
		return orderViolation(0, sig.Direction)
	}
	if idx < len(ladder)-1 && !Beyond(sig.Direction, p.Price, ladder[idx+1].Price) {
		return orderViolation(0, sig.Direction)
	}
	return nil
}

func checkNumbers(row int, price, percent float64) error {
	if !domain.IsFinite(price) || price <= 0 {
		return violation(RuleInvalidNumber, row, "TP %d: price must be a positive number", row+1)
	}
	if !domain.IsFinite(percent) || percent <= 0 || percent > domain.FullClosePercent+domain.PercentEpsilon {
		return violation(RulePercentRange, row,
			"TP %d: close percent must be greater than 0 and at most 100", row+1)
	}
	return nil
}

func directionViolation(row int, dir domain.Direction) error {
	if dir == domain.DirectionSell {
		return violation(RuleDirection, row, "TP prices must be below entry for SELL signals")
	}
	return violation(RuleDirection, row, "TP prices must be above entry for BUY signals")
}

func orderViolation(row int, dir domain.Direction) error {
	if dir == domain.DirectionSell {
		return violation(RuleOrder, row, "TP prices must stay in strictly descending order")
	}
	return violation(RuleOrder, row, "TP prices must stay in strictly ascending order")
}

// furthestPrice returns the published price furthest in the profitable
// direction. With a consistent ladder this is the last published row.
func furthestPrice(dir domain.Direction, published []domain.TakeProfitUpdate) (float64, bool) {
	if len(published) == 0 {
		return 0, false
	}
	best := published[0].Price
	for _, u := range published[1:] {
		if Beyond(dir, best, u.Price) {
			best = u.Price
		}
	}
	return best, true
}
