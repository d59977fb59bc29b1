package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/vitos/signal_ladder/internal/domain"
	"go.uber.org/zap"
)

// RecordTrigger marks a pending limit row as filled at price and applies it
// to every trade it covers.
func (s *LadderService) RecordTrigger(ctx context.Context, updateID string, price float64) error {
	if !domain.IsFinite(price) || price <= 0 {
		return fmt.Errorf("%w: execution price must be a positive number", domain.ErrValidation)
	}
	u, err := s.ladder.GetUpdate(ctx, updateID)
	if err != nil {
		return err
	}
	sig, err := s.signals.GetSignal(ctx, u.SignalID)
	if err != nil {
		return err
	}
	if !sig.IsOpen() {
		return fmt.Errorf("signal %s: %w", sig.ID, domain.ErrSignalClosed)
	}
	if executesOnPublish(sig, *u) {
		return fmt.Errorf("update %s executed on publish: %w", updateID, domain.ErrNotPending)
	}

	events, err := s.loadEvents(ctx, sig.ID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if trig, ok := ev.(domain.TPTriggered); ok && trig.UpdateID == u.ID {
			return fmt.Errorf("update %s already triggered: %w", updateID, domain.ErrConflict)
		}
	}

	ev := newLadderEvent(sig.ID, domain.EventTPTriggered, *u, map[string]any{"execution_price": price}, s.timeNow())
	if err := s.events.AppendEvent(ctx, &ev); err != nil {
		return fmt.Errorf("failed to record trigger: %w", err)
	}
	s.metrics.TPTriggered(string(u.Kind))
	s.logger.Info("TP triggered",
		zap.String("signal_id", sig.ID), zap.String("update_id", u.ID), zap.Float64("price", price))

	if err := s.settle(ctx, sig, RiskStop(sig, events), *u, price); err != nil {
		s.logger.Error("Failed to settle trades", zap.String("update_id", u.ID), zap.Error(err))
	}
	s.InvalidateSignal(sig.ID)
	if err := s.notifier.UpdateTriggered(ctx, sig, *u, price); err != nil {
		s.logger.Warn("Failed to send trigger notification", zap.String("update_id", u.ID), zap.Error(err))
	}
	return nil
}

// CloseOnStop ends the signal at its stop and closes what is left of every
// pending trade at price. A non-positive price means the current stop.
func (s *LadderService) CloseOnStop(ctx context.Context, signalID string, price float64) (*domain.Signal, error) {
	sig, err := s.signals.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if !sig.IsOpen() {
		return nil, fmt.Errorf("signal %s: %w", signalID, domain.ErrSignalClosed)
	}
	if price <= 0 || !domain.IsFinite(price) {
		price = sig.StopLoss
	}
	riskStop, err := s.riskStop(ctx, sig)
	if err != nil {
		return nil, err
	}

	trades, err := s.trades.ListTradesBySignal(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}

	if err := s.signals.UpdateSignalStatus(ctx, signalID, domain.SignalClosed); err != nil {
		return nil, err
	}
	sig.Status = domain.SignalClosed
	rr := SignedRR(sig.Direction, sig.EntryPrice, riskStop, price)
	now := s.timeNow()
	for _, t := range trades {
		if !t.IsPending() {
			continue
		}
		t.RealizedPnL += t.RemainingRiskAmount * rr
		t.RemainingRiskAmount = 0
		t.Result = resultOf(t.RealizedPnL)
		t.ClosedAt = &now
		if err := s.trades.CloseTrade(ctx, t); err != nil {
			s.logger.Error("Failed to close trade", zap.String("trade_id", t.ID), zap.Error(err))
			continue
		}
		s.logger.Info("Trade closed on stop",
			zap.String("trade_id", t.ID), zap.String("result", string(t.Result)), zap.Float64("pnl", t.RealizedPnL))
	}

	s.InvalidateSignal(signalID)
	return sig, nil
}

// settle applies one filled rung to every pending trade. A rung that filled
// on publish skips trades opened after it.
func (s *LadderService) settle(ctx context.Context, sig *domain.Signal, riskStop float64, u domain.TakeProfitUpdate, price float64) error {
	trades, err := s.trades.ListTradesBySignal(ctx, sig.ID)
	if err != nil {
		return err
	}
	rr := SignedRR(sig.Direction, sig.EntryPrice, riskStop, price)

	var errs []error
	for _, t := range trades {
		if !t.IsPending() || (executesOnPublish(sig, u) && u.CreatedAt.Before(t.OpenedAt)) {
			continue
		}
		if err := s.applyToTrade(ctx, t, u, price, rr); err != nil {
			errs = append(errs, fmt.Errorf("trade %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

// applyToTrade writes one rung against one trade. The store only accepts the
// write while the remaining risk is unchanged; a lost race comes back as
// ErrConflict and is not retried.
func (s *LadderService) applyToTrade(ctx context.Context, t *domain.UserTrade, u domain.TakeProfitUpdate, price, rr float64) error {
	done, err := s.trades.ListAppliedUpdates(ctx, t.ID, u.ID)
	if err != nil {
		return err
	}
	if len(done) > 0 {
		return nil
	}

	expected := t.RemainingRiskAmount
	remainingPct := 0.0
	if t.InitialRiskAmount > 0 {
		remainingPct = expected / t.InitialRiskAmount * domain.FullClosePercent
	}
	applied, after := CloseStep(remainingPct, u.ClosePercent)
	consumed := amountOf(t.InitialRiskAmount, applied)
	pnl := consumed * rr

	next := *t
	next.RemainingRiskAmount = roundRisk(amountOf(t.InitialRiskAmount, after))
	next.RealizedPnL += pnl
	if after <= 0 {
		now := s.timeNow()
		next.RemainingRiskAmount = 0
		next.Result = resultOf(next.RealizedPnL)
		next.ClosedAt = &now
	}

	record := domain.AppliedUpdate{
		TradeID:        t.ID,
		UpdateID:       u.ID,
		ClosePercent:   applied,
		ExecutionPrice: price,
		ConsumedRisk:   consumed,
		RealizedPnL:    pnl,
		RemainingAfter: next.RemainingRiskAmount,
		AppliedAt:      s.timeNow(),
	}
	if err := s.trades.ApplyUpdate(ctx, record, &next, expected); err != nil {
		return err
	}
	*t = next
	s.logger.Info("Rung applied to trade",
		zap.String("trade_id", t.ID), zap.String("update_id", u.ID),
		zap.Float64("close_percent", applied), zap.Float64("remaining", next.RemainingRiskAmount))
	return nil
}

func resultOf(pnl float64) domain.TradeResult {
	switch {
	case pnl > domain.PriceEpsilon:
		return domain.ResultWin
	case pnl < -domain.PriceEpsilon:
		return domain.ResultLoss
	}
	return domain.ResultBreakeven
}

// roundRisk trims float noise from stored amounts.
func roundRisk(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
