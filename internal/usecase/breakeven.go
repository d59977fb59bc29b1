package usecase

import (
	"fmt"

	"github.com/vitos/signal_ladder/internal/domain"
)

// BreakevenRule guards moving a stop onto the entry price. The move is a
// one-way ratchet: once at entry the stop never goes back to the losing side,
// and it never crosses entry into profit.
type BreakevenRule struct{}

func NewBreakevenRule() *BreakevenRule {
	return &BreakevenRule{}
}

// Check reports whether the stop may be moved to entry now. livePrice is only
// consulted for live signals.
func (r *BreakevenRule) Check(sig *domain.Signal, livePrice *float64) error {
	if !sig.IsOpen() {
		return fmt.Errorf("signal %s: %w", sig.ID, domain.ErrSignalClosed)
	}
	if !IsLosingSide(sig.Direction, sig.EntryPrice, sig.StopLoss) {
		return fmt.Errorf("%w: stop %g is already at or beyond entry %g",
			domain.ErrBreakevenNotAllowed, sig.StopLoss, sig.EntryPrice)
	}
	if !sig.IsLive() {
		return nil
	}
	if livePrice == nil || !domain.IsFinite(*livePrice) || *livePrice <= 0 {
		return fmt.Errorf("break-even on %s: %w", sig.Symbol, domain.ErrQuoteUnavailable)
	}
	if !IsProfitable(sig.Direction, sig.EntryPrice, *livePrice) {
		return fmt.Errorf("%w: market price %g is not in profit against entry %g",
			domain.ErrBreakevenNotAllowed, *livePrice, sig.EntryPrice)
	}
	return nil
}

// Target is the stop after promotion.
func (r *BreakevenRule) Target(sig *domain.Signal) float64 {
	return sig.EntryPrice
}

// CheckStopChange validates an arbitrary stop edit against the ratchet.
func (r *BreakevenRule) CheckStopChange(sig *domain.Signal, next float64) error {
	if IsProfitable(sig.Direction, sig.EntryPrice, next) {
		return fmt.Errorf("%w: stop %g would be in profit; publish a take-profit instead",
			domain.ErrBreakevenNotAllowed, next)
	}
	if sig.AtBreakeven() && !domain.PriceEqual(next, sig.EntryPrice) {
		return fmt.Errorf("%w: stop is at break-even and cannot move back", domain.ErrBreakevenNotAllowed)
	}
	return nil
}

// RiskStop returns the stop the signal's positions were sized against: the
// pre-promotion stop when the signal sits at break-even, the current stop
// otherwise.
func RiskStop(sig *domain.Signal, events []domain.ExecutionEvent) float64 {
	if !sig.AtBreakeven() {
		return sig.StopLoss
	}
	for _, ev := range events {
		be, ok := ev.(domain.BreakevenApplied)
		if ok && be.PreviousStop > 0 && IsLosingSide(sig.Direction, sig.EntryPrice, be.PreviousStop) {
			return be.PreviousStop
		}
	}
	return sig.StopLoss
}

// DisplayRemaining is the remaining risk shown for a trade. A break-even
// stop protects the whole downside, and a finished trade carries none.
func DisplayRemaining(sig *domain.Signal, trade *domain.UserTrade, actual Exposure) float64 {
	if trade != nil && !trade.IsPending() {
		return 0
	}
	if sig.AtBreakeven() {
		return 0
	}
	return actual.RemainingRisk
}
