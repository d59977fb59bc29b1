package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/signal_ladder/internal/domain"
	"github.com/vitos/signal_ladder/internal/usecase"
	"go.uber.org/zap"
)

type serviceFixture struct {
	store    *MockStore
	prices   *MockPriceSource
	notifier *MockNotifier
	metrics  *MockMetrics
	clock    *fakeClock
	quotes   *usecase.QuoteResolver
	svc      *usecase.LadderService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:    NewMockStore(),
		prices:   &MockPriceSource{Price: 105},
		notifier: &MockNotifier{},
		metrics:  NewMockMetrics(),
		clock:    &fakeClock{now: base},
	}
	f.quotes = usecase.NewQuoteResolver(f.prices, 5*time.Second)
	f.quotes.SetClock(f.clock.Now)
	f.svc = usecase.NewLadderService(f.store, f.store, f.store, f.store, f.quotes, f.notifier, f.metrics, zap.NewNop(), time.Minute)
	f.svc.SetClock(f.clock.Now)
	return f
}

func (f *serviceFixture) signal(t *testing.T, mode domain.MarketMode) *domain.Signal {
	t.Helper()
	sig := buySignal(mode)
	require.NoError(t, f.svc.CreateSignal(context.Background(), sig))
	return sig
}

func (f *serviceFixture) trade(t *testing.T, risk float64) *domain.UserTrade {
	t.Helper()
	tr, err := f.svc.OpenTrade(context.Background(), "user-1", "sig-1", risk, 1)
	require.NoError(t, err)
	return tr
}

func (f *serviceFixture) stored(t *testing.T, id string) *domain.UserTrade {
	t.Helper()
	tr, err := f.store.GetTrade(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func TestLadderService_CreateSignal(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	bad := buySignal(domain.MarketManual)
	bad.StopLoss = 101
	assert.ErrorIs(t, f.svc.CreateSignal(ctx, bad), domain.ErrValidation)

	bad = buySignal(domain.MarketManual)
	bad.Direction = "LONG"
	assert.ErrorIs(t, f.svc.CreateSignal(ctx, bad), domain.ErrValidation)

	bad = buySignal("auto")
	assert.ErrorIs(t, f.svc.CreateSignal(ctx, bad), domain.ErrValidation)
	_, err := f.store.GetSignal(ctx, "sig-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	sig := buySignal("")
	sig.Status = ""
	require.NoError(t, f.svc.CreateSignal(ctx, sig))
	assert.Equal(t, domain.MarketManual, sig.MarketMode)
	assert.Equal(t, domain.SignalActive, sig.Status)
	assert.Equal(t, base, sig.CreatedAt)
}

func TestLadderService_ManualSubmitSettlesTrades(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketManual)
	tr := f.trade(t, 200)
	f.clock.Advance(time.Minute)

	updates, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 50), row(120, 50)}, "")
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "TP 1", updates[0].Label)
	assert.Equal(t, "TP 2", updates[1].Label)

	got := f.stored(t, tr.ID)
	assert.Zero(t, got.RemainingRiskAmount)
	assert.Equal(t, domain.ResultWin, got.Result)
	assert.InDelta(t, 300, got.RealizedPnL, 1e-9)
	require.NotNil(t, got.ClosedAt)
	assert.Len(t, f.store.Applied(tr.ID), 2)

	assert.Len(t, f.store.EventsOf("sig-1", domain.EventTPPublished), 2)
	assert.Empty(t, f.store.EventsOf("sig-1", domain.EventTPTriggered))
	assert.Equal(t, 1, f.notifier.Published)
	assert.Equal(t, 1, f.metrics.Count("submitted"))
	assert.Equal(t, 2, f.metrics.Count("trigger:limit"))

	exp, err := f.svc.TradeExposure(ctx, tr.ID)
	require.NoError(t, err)
	assert.Zero(t, exp.Actual.RemainingRisk)
	assert.InDelta(t, 300, exp.Actual.RealizedProfit, 1e-9)
	assert.Zero(t, exp.Drift)
	assert.Zero(t, exp.DisplayRemainingRisk)
}

func TestLadderService_PublishSkipsTradesOpenedLater(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketManual)
	early := f.trade(t, 100)

	f.clock.Advance(time.Minute)
	_, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 30)}, "")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	late := f.trade(t, 100)
	f.clock.Advance(time.Minute)
	_, err = f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(120, 30)}, "")
	require.NoError(t, err)

	got := f.stored(t, early.ID)
	assert.InDelta(t, 40, got.RemainingRiskAmount, 1e-9)
	assert.InDelta(t, 90, got.RealizedPnL, 1e-9)

	got = f.stored(t, late.ID)
	assert.InDelta(t, 70, got.RemainingRiskAmount, 1e-9)
	assert.InDelta(t, 60, got.RealizedPnL, 1e-9)

	exp, err := f.svc.TradeExposure(ctx, late.ID)
	require.NoError(t, err)
	require.Len(t, exp.Ladder, 2)
	assert.Equal(t, usecase.StatusEndedUnfilled, exp.Ladder[0].Status)
	assert.Equal(t, usecase.StatusExecuted, exp.Ladder[1].Status)
	assert.InDelta(t, 70, exp.Actual.RemainingRisk, 1e-9)
	assert.InDelta(t, 0, exp.Drift, 1e-9)
}

func TestLadderService_SubmitRejections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketManual)

	_, err := f.svc.SubmitLadder(ctx, "intruder", "sig-1", []usecase.Proposal{row(110, 10)}, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.SubmitLadder(ctx, "owner", "missing", []usecase.Proposal{row(110, 10)}, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(95, 10)}, "")
	var verr *usecase.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, usecase.RuleDirection, verr.Rule)
	assert.Equal(t, 1, f.metrics.Count("rule:direction"))
	assert.Equal(t, 1, f.metrics.Count("rejected"))
	assert.Zero(t, f.store.InsertCalls)

	stop := usecase.Proposal{Price: 110, ClosePercent: 60, Kind: "stop"}
	_, err = f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{stop}, "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, usecase.RuleInvalidKind, verr.Rule)
	assert.Zero(t, f.store.InsertCalls)
	view, err := f.svc.LadderView(ctx, "sig-1")
	require.NoError(t, err)
	assert.InDelta(t, 100, view.Capacity, 1e-9)

	require.NoError(t, f.store.UpdateSignalStatus(ctx, "sig-1", domain.SignalClosed))
	_, err = f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 10)}, "")
	assert.ErrorIs(t, err, domain.ErrSignalClosed)
}

func TestLadderService_LiveFirstSubmissionNeedsQuote(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketLive)
	tr := f.trade(t, 100)

	f.prices.Set(0, errors.New("feed down"))
	_, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 50)}, "")
	assert.ErrorIs(t, err, domain.ErrQuoteUnavailable)
	assert.Equal(t, 1, f.metrics.Count("quote_failed"))
	assert.Zero(t, f.store.InsertCalls)

	f.prices.Set(105, nil)
	_, err = f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(104, 50)}, "")
	var verr *usecase.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, usecase.RuleLivePrice, verr.Rule)

	_, err = f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 50)}, "")
	require.NoError(t, err)

	// Later limit rows are ordered against the ladder, not the market.
	f.prices.Set(0, errors.New("feed down"))
	_, err = f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(120, 20)}, "")
	require.NoError(t, err)

	// Live limit rows wait for the market.
	got := f.stored(t, tr.ID)
	assert.Equal(t, 100.0, got.RemainingRiskAmount)
	assert.Empty(t, f.store.Applied(tr.ID))

	view, err := f.svc.LadderView(ctx, "sig-1")
	require.NoError(t, err)
	assert.InDelta(t, 30, view.Capacity, 1e-9)
	assert.InDelta(t, 30, view.Projected.RemainingPercent, 1e-9)
}

func TestLadderService_MarketCloseOnLiveSignal(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sig := f.signal(t, domain.MarketLive)
	tr := f.trade(t, 100)
	f.clock.Advance(time.Minute)

	market := usecase.Proposal{ClosePercent: 40, Kind: domain.UpdateMarket}
	_, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{market}, "")
	assert.ErrorIs(t, err, domain.ErrQuoteUnavailable)

	lock, err := f.quotes.Lock(ctx, sig)
	require.NoError(t, err)
	f.prices.Set(107, nil)

	updates, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{market}, lock.ID)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, 105.0, updates[0].Price)

	got := f.stored(t, tr.ID)
	assert.InDelta(t, 60, got.RemainingRiskAmount, 1e-9)
	assert.InDelta(t, 20, got.RealizedPnL, 1e-9)

	triggers := f.store.EventsOf("sig-1", domain.EventTPTriggered)
	require.Len(t, triggers, 1)
	assert.Equal(t, 105.0, triggers[0].(domain.TPTriggered).ExecutionPrice)
	assert.Equal(t, updates[0].ID, triggers[0].(domain.TPTriggered).UpdateID)
	assert.Equal(t, 1, f.metrics.Count("trigger:market"))

	_, err = f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{market}, lock.ID)
	assert.ErrorIs(t, err, domain.ErrQuoteExpired)

	// Market rows can never be edited or deleted.
	_, err = f.svc.EditPendingUpdate(ctx, "owner", updates[0].ID, row(130, 10))
	assert.ErrorIs(t, err, domain.ErrNotPending)
	assert.ErrorIs(t, f.svc.DeletePendingUpdate(ctx, "owner", updates[0].ID), domain.ErrNotPending)
}

func TestLadderService_PublishConflictIsNotRetried(t *testing.T) {
	f := newServiceFixture(t)
	f.signal(t, domain.MarketManual)
	f.store.InsertErr = domain.ErrConflict

	_, err := f.svc.SubmitLadder(context.Background(), "owner", "sig-1", []usecase.Proposal{row(110, 50)}, "")
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, f.store.InsertCalls)
	assert.Equal(t, 1, f.metrics.Count("rejected"))
}

func TestLadderService_ApplyConflictIsNotRetried(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketManual)
	tr := f.trade(t, 100)
	f.clock.Advance(time.Minute)
	f.store.ApplyErr = domain.ErrConflict

	_, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 50)}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.ApplyCalls)

	got := f.stored(t, tr.ID)
	assert.Equal(t, 100.0, got.RemainingRiskAmount)

	// The ladder still says half is gone; the gap is reported as drift.
	exp, err := f.svc.TradeExposure(ctx, tr.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50, exp.Actual.RemainingRisk, 1e-9)
	assert.InDelta(t, 50, exp.Drift, 1e-9)
}

func TestLadderService_EditAndDeletePending(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketLive)

	updates, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 30), row(120, 30)}, "")
	require.NoError(t, err)

	edited, err := f.svc.EditPendingUpdate(ctx, "owner", updates[1].ID, usecase.Proposal{Price: 125, ClosePercent: 40, Note: " runner "})
	require.NoError(t, err)
	assert.Equal(t, 125.0, edited.Price)
	assert.Equal(t, "runner", edited.Note)
	assert.Equal(t, "TP 2", edited.Label)

	_, err = f.svc.EditPendingUpdate(ctx, "owner", updates[0].ID, row(130, 30))
	var verr *usecase.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, usecase.RuleOrder, verr.Rule)

	_, err = f.svc.EditPendingUpdate(ctx, "owner", updates[0].ID, row(112, 71))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, usecase.RuleCapacity, verr.Rule)

	_, err = f.svc.EditPendingUpdate(ctx, "intruder", updates[0].ID, row(112, 30))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	require.NoError(t, f.svc.RecordTrigger(ctx, updates[0].ID, 110.2))
	_, err = f.svc.EditPendingUpdate(ctx, "owner", updates[0].ID, row(112, 30))
	assert.ErrorIs(t, err, domain.ErrNotPending)
	assert.ErrorIs(t, f.svc.DeletePendingUpdate(ctx, "owner", updates[0].ID), domain.ErrNotPending)

	require.NoError(t, f.svc.DeletePendingUpdate(ctx, "owner", updates[1].ID))
	_, err = f.store.GetUpdate(ctx, updates[1].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeletePendingUpdate(ctx, "owner", updates[1].ID), domain.ErrNotFound)
}

func TestLadderService_RecordTrigger(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketLive)
	tr := f.trade(t, 100)

	updates, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 30), row(120, 30)}, "")
	require.NoError(t, err)

	before, err := f.svc.TradeExposure(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, before.Actual.RemainingRisk)
	assert.InDelta(t, 40, before.Projected.RemainingRisk, 1e-9)

	require.NoError(t, f.svc.RecordTrigger(ctx, updates[0].ID, 110.5))

	got := f.stored(t, tr.ID)
	assert.InDelta(t, 70, got.RemainingRiskAmount, 1e-9)
	assert.InDelta(t, 31.5, got.RealizedPnL, 1e-9)
	applied := f.store.Applied(tr.ID)
	require.Len(t, applied, 1)
	assert.Equal(t, 110.5, applied[0].ExecutionPrice)
	assert.InDelta(t, 30, applied[0].ClosePercent, 1e-9)
	assert.Equal(t, []float64{110.5}, f.notifier.Triggered)

	// The write invalidated the cached exposure.
	after, err := f.svc.TradeExposure(ctx, tr.ID)
	require.NoError(t, err)
	assert.InDelta(t, 70, after.Actual.RemainingRisk, 1e-9)
	assert.Equal(t, usecase.StatusTriggered, after.Ladder[0].Status)
	assert.InDelta(t, 0, after.Drift, 1e-9)

	assert.ErrorIs(t, f.svc.RecordTrigger(ctx, updates[0].ID, 111), domain.ErrConflict)
	assert.ErrorIs(t, f.svc.RecordTrigger(ctx, updates[1].ID, -1), domain.ErrValidation)
	assert.ErrorIs(t, f.svc.RecordTrigger(ctx, "missing", 120), domain.ErrNotFound)
	assert.Len(t, f.store.Applied(tr.ID), 1)
}

func TestLadderService_TriggerBeforeTradeOpened(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketLive)

	updates, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 30), row(120, 30)}, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordTrigger(ctx, updates[0].ID, 110))

	f.clock.Advance(time.Minute)
	late := f.trade(t, 100)

	exp, err := f.svc.TradeExposure(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, usecase.StatusEndedUnfilled, exp.Ladder[0].Status)
	assert.Equal(t, usecase.StatusPending, exp.Ladder[1].Status)
	assert.InDelta(t, 100, exp.Actual.RemainingRisk, 1e-9)
	assert.InDelta(t, 0, exp.Drift, 1e-9)
	assert.Empty(t, f.store.Applied(late.ID))

	// The signal-wide view still shows the fill.
	view, err := f.svc.LadderView(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, usecase.StatusTriggered, view.Updates[0].Status)
}

func TestLadderService_RecordTriggerRejectsManualRows(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketManual)

	updates, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 30)}, "")
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.RecordTrigger(ctx, updates[0].ID, 110), domain.ErrNotPending)
}

func TestLadderService_PromoteBreakeven(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketLive)
	tr := f.trade(t, 100)
	updates, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 30)}, "")
	require.NoError(t, err)

	_, err = f.svc.PromoteBreakeven(ctx, "intruder", "sig-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	f.prices.Set(95, nil)
	_, err = f.svc.PromoteBreakeven(ctx, "owner", "sig-1")
	assert.ErrorIs(t, err, domain.ErrBreakevenNotAllowed)

	f.prices.Set(102, nil)
	sig, err := f.svc.PromoteBreakeven(ctx, "owner", "sig-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, sig.StopLoss)
	assert.Equal(t, 1, f.notifier.Breakeven)
	assert.Equal(t, 1, f.metrics.Count("breakeven"))

	events := f.store.EventsOf("sig-1", domain.EventSLBreakeven)
	require.Len(t, events, 1)
	be := events[0].(domain.BreakevenApplied)
	assert.Equal(t, 90.0, be.PreviousStop)
	assert.Equal(t, 100.0, be.NewStop)
	assert.Equal(t, 102.0, be.MarketPrice)

	_, err = f.svc.PromoteBreakeven(ctx, "owner", "sig-1")
	assert.ErrorIs(t, err, domain.ErrBreakevenNotAllowed)

	exp, err := f.svc.TradeExposure(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, exp.BreakevenProtected)
	assert.Zero(t, exp.DisplayRemainingRisk)
	assert.Equal(t, 100.0, exp.Actual.RemainingRisk)

	// RR keeps using the stop the position was sized against.
	require.NoError(t, f.svc.RecordTrigger(ctx, updates[0].ID, 110))
	got := f.stored(t, tr.ID)
	assert.InDelta(t, 30, got.RealizedPnL, 1e-9)
}

func TestLadderService_CloseOnStop(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketLive)
	tr := f.trade(t, 100)
	updates, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 50)}, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordTrigger(ctx, updates[0].ID, 110))

	f.clock.Advance(time.Hour)
	sig, err := f.svc.CloseOnStop(ctx, "sig-1", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalClosed, sig.Status)

	got := f.stored(t, tr.ID)
	assert.Zero(t, got.RemainingRiskAmount)
	assert.InDelta(t, 0, got.RealizedPnL, 1e-9)
	assert.Equal(t, domain.ResultBreakeven, got.Result)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, base.Add(time.Hour), *got.ClosedAt)

	_, err = f.svc.CloseOnStop(ctx, "sig-1", 0)
	assert.ErrorIs(t, err, domain.ErrSignalClosed)
	assert.ErrorIs(t, f.svc.RecordTrigger(ctx, updates[0].ID, 110), domain.ErrSignalClosed)
}

func TestLadderService_CloseOnStopKeepsSignalOpenOnLoadFailure(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketLive)
	tr := f.trade(t, 100)

	f.store.ListErr = errors.New("connection reset")
	_, err := f.svc.CloseOnStop(ctx, "sig-1", 0)
	require.Error(t, err)

	sig, err := f.store.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, sig.IsOpen())

	f.store.ListErr = nil
	sig, err = f.svc.CloseOnStop(ctx, "sig-1", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalClosed, sig.Status)

	got := f.stored(t, tr.ID)
	assert.Equal(t, domain.ResultLoss, got.Result)
	assert.InDelta(t, -100, got.RealizedPnL, 1e-9)
}

func TestLadderService_LegacyTradeExposure(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketLive)

	// Rows written before execution history existed.
	require.NoError(t, f.store.InsertUpdates(ctx, []domain.TakeProfitUpdate{
		rung("tp1", 110, 30, 0),
		rung("tp2", 120, 30, time.Second),
	}, nil))
	require.NoError(t, f.store.SaveTrade(ctx, pendingTrade(200, 140, base.Add(-time.Hour))))

	exp, err := f.svc.TradeExposure(ctx, "trade-1")
	require.NoError(t, err)
	assert.Equal(t, 1, exp.LegacyInferred)
	assert.False(t, exp.LegacyMismatch)
	assert.Equal(t, usecase.SourceLegacy, exp.Ladder[0].Source)
	assert.InDelta(t, 140, exp.Actual.RemainingRisk, 1e-9)
	assert.InDelta(t, 80, exp.Projected.RemainingRisk, 1e-9)
	assert.InDelta(t, 0, exp.Drift, 1e-9)
}

func TestLadderService_NotifierFailureDoesNotFailWrites(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.signal(t, domain.MarketManual)
	f.notifier.Err = errors.New("telegram down")

	updates, err := f.svc.SubmitLadder(ctx, "owner", "sig-1", []usecase.Proposal{row(110, 50)}, "")
	require.NoError(t, err)
	assert.Len(t, updates, 1)
	assert.Equal(t, 1, f.notifier.Published)

	_, err = f.svc.PromoteBreakeven(ctx, "owner", "sig-1")
	require.NoError(t, err)
}
