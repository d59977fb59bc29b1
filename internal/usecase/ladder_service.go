package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/signal_ladder/internal/domain"
	"go.uber.org/zap"
)

// LadderView is the signal-level state of a ladder. Projected is expressed
// in percent of a position (initial risk 100).
type LadderView struct {
	Signal    *domain.Signal     `json:"signal"`
	Updates   []ClassifiedUpdate `json:"updates"`
	Capacity  float64            `json:"capacity"`
	Projected Exposure           `json:"projected"`
}

// TradeExposure is everything a dashboard shows for one position.
type TradeExposure struct {
	Trade     *domain.UserTrade  `json:"trade"`
	Signal    *domain.Signal     `json:"signal"`
	Ladder    []ClassifiedUpdate `json:"ladder"`
	Actual    Exposure           `json:"actual"`
	Projected Exposure           `json:"projected"`
	// DisplayRemainingRisk applies the break-even and closed-trade overrides
	// to Actual.RemainingRisk.
	DisplayRemainingRisk float64 `json:"display_remaining_risk"`
	BreakevenProtected   bool    `json:"breakeven_protected"`
	// Drift is the stored running total minus the recomputed actual remainder.
	Drift          float64 `json:"drift"`
	LegacyInferred int     `json:"legacy_inferred"`
	LegacyMismatch bool    `json:"legacy_mismatch"`
}

// LadderService orchestrates ladder writes and the exposure views built on
// top of the record store.
type LadderService struct {
	signals  domain.SignalRepository
	ladder   domain.LadderRepository
	events   domain.EventRepository
	trades   domain.TradeRepository
	quotes   *QuoteResolver
	notifier domain.Notifier
	metrics  Metrics
	logger   *zap.Logger

	validator  *LadderValidator
	classifier *ExecutionClassifier
	reducer    *RiskReducer
	breakeven  *BreakevenRule

	exposures *SnapshotCache[*TradeExposure]
	views     *SnapshotCache[*LadderView]
	timeNow   func() time.Time
}

func NewLadderService(
	signals domain.SignalRepository,
	ladder domain.LadderRepository,
	events domain.EventRepository,
	trades domain.TradeRepository,
	quotes *QuoteResolver,
	notifier domain.Notifier,
	metrics Metrics,
	logger *zap.Logger,
	cacheTTL time.Duration,
) *LadderService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &LadderService{
		signals:    signals,
		ladder:     ladder,
		events:     events,
		trades:     trades,
		quotes:     quotes,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger,
		validator:  NewLadderValidator(),
		classifier: NewExecutionClassifier(),
		reducer:    NewRiskReducer(),
		breakeven:  NewBreakevenRule(),
		exposures:  NewSnapshotCache[*TradeExposure](cacheTTL),
		views:      NewSnapshotCache[*LadderView](cacheTTL),
		timeNow:    time.Now,
	}
}

// SetClock replaces the clock used for timestamps.
func (s *LadderService) SetClock(now func() time.Time) {
	s.timeNow = now
}

// CreateSignal validates and stores a new signal.
func (s *LadderService) CreateSignal(ctx context.Context, sig *domain.Signal) error {
	if !sig.Direction.Valid() {
		return fmt.Errorf("%w: direction must be BUY or SELL", domain.ErrValidation)
	}
	if strings.TrimSpace(sig.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", domain.ErrValidation)
	}
	for _, p := range []float64{sig.EntryPrice, sig.StopLoss} {
		if !domain.IsFinite(p) || p <= 0 {
			return fmt.Errorf("%w: prices must be positive numbers", domain.ErrValidation)
		}
	}
	if !IsLosingSide(sig.Direction, sig.EntryPrice, sig.StopLoss) {
		return fmt.Errorf("%w: stop-loss must start on the losing side of entry", domain.ErrValidation)
	}
	if sig.TakeProfit != 0 && !IsProfitable(sig.Direction, sig.EntryPrice, sig.TakeProfit) {
		return directionViolation(-1, sig.Direction)
	}
	if sig.MarketMode == "" {
		sig.MarketMode = domain.MarketManual
	}
	if !sig.MarketMode.Valid() {
		return fmt.Errorf("%w: market mode must be manual or live", domain.ErrValidation)
	}
	if sig.Status == "" {
		sig.Status = domain.SignalActive
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	now := s.timeNow()
	sig.CreatedAt, sig.UpdatedAt = now, now
	return s.signals.SaveSignal(ctx, sig)
}

// OpenTrade opens a subscriber position with its full risk outstanding.
func (s *LadderService) OpenTrade(ctx context.Context, userID, signalID string, riskAmount, riskPercent float64) (*domain.UserTrade, error) {
	sig, err := s.signals.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if !sig.IsOpen() {
		return nil, fmt.Errorf("signal %s: %w", signalID, domain.ErrSignalClosed)
	}
	if !domain.IsFinite(riskAmount) || riskAmount <= 0 {
		return nil, fmt.Errorf("%w: risk amount must be positive", domain.ErrValidation)
	}
	trade := &domain.UserTrade{
		ID:                  uuid.NewString(),
		UserID:              userID,
		SignalID:            signalID,
		InitialRiskAmount:   riskAmount,
		InitialRiskPercent:  riskPercent,
		RemainingRiskAmount: riskAmount,
		Result:              domain.ResultPending,
		OpenedAt:            s.timeNow(),
	}
	if err := s.trades.SaveTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to save trade: %w", err)
	}
	return trade, nil
}

// SubmitLadder validates and atomically publishes new ladder rows. Market
// rows on live signals need lockID from QuoteResolver.Lock; their price is
// taken from the lock.
func (s *LadderService) SubmitLadder(ctx context.Context, actor, signalID string, rows []Proposal, lockID string) ([]domain.TakeProfitUpdate, error) {
	sig, err := s.openSignal(ctx, actor, signalID)
	if err != nil {
		return nil, err
	}
	published, err := s.ladder.ListUpdates(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ladder: %w", err)
	}

	rows = append([]Proposal(nil), rows...)
	for i := range rows {
		if rows[i].Kind == "" {
			rows[i].Kind = domain.UpdateLimit
		}
		if strings.TrimSpace(rows[i].Label) == "" {
			rows[i].Label = fmt.Sprintf("TP %d", len(published)+i+1)
		}
	}

	var live *float64
	if sig.IsLive() {
		price, err := s.livePrice(ctx, sig, rows, lockID, len(published) == 0)
		if err != nil {
			s.metrics.QuoteLockFailed()
			s.logger.Warn("Quote unavailable for ladder submission",
				zap.String("signal_id", signalID), zap.Error(err))
			return nil, err
		}
		if price != nil {
			live = price
			for i := range rows {
				if rows[i].Kind == domain.UpdateMarket {
					rows[i].Price = *price
				}
			}
		}
	}

	check := LadderCheck{
		Signal:    sig,
		Published: published,
		Proposed:  rows,
		LivePrice: live,
		Capacity:  RemainingCapacity(published),
	}
	if err := s.validator.Validate(check); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.metrics.LadderRejected(string(verr.Rule))
		}
		s.metrics.LadderSubmitted(false)
		s.logger.Info("Ladder submission rejected",
			zap.String("signal_id", signalID), zap.String("actor", actor), zap.Error(err))
		return nil, err
	}

	now := s.timeNow()
	updates := make([]domain.TakeProfitUpdate, len(rows))
	events := make([]domain.SignalEvent, 0, 2*len(rows))
	for i, p := range rows {
		u := domain.TakeProfitUpdate{
			ID:           uuid.NewString(),
			SignalID:     signalID,
			Label:        strings.TrimSpace(p.Label),
			Price:        p.Price,
			ClosePercent: p.ClosePercent,
			Kind:         p.Kind,
			Note:         strings.TrimSpace(p.Note),
			CreatedBy:    actor,
			// Keep creation order stable inside one submission.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
		updates[i] = u
		events = append(events, newLadderEvent(signalID, domain.EventTPPublished, u, map[string]any{"kind": string(u.Kind)}, u.CreatedAt))
		if sig.IsLive() && u.Kind == domain.UpdateMarket {
			events = append(events, newLadderEvent(signalID, domain.EventTPTriggered, u, map[string]any{"execution_price": u.Price}, u.CreatedAt))
		}
	}

	if err := s.ladder.InsertUpdates(ctx, updates, events); err != nil {
		s.metrics.LadderSubmitted(false)
		return nil, fmt.Errorf("failed to publish ladder: %w", err)
	}
	s.metrics.LadderSubmitted(true)
	s.logger.Info("Ladder published",
		zap.String("signal_id", signalID), zap.String("actor", actor), zap.Int("rows", len(updates)))

	riskStop, err := s.riskStop(ctx, sig)
	if err != nil {
		return updates, err
	}
	for _, u := range updates {
		if executesOnPublish(sig, u) {
			s.metrics.TPTriggered(string(u.Kind))
			if err := s.settle(ctx, sig, riskStop, u, u.Price); err != nil {
				s.logger.Error("Failed to settle trades", zap.String("update_id", u.ID), zap.Error(err))
			}
		}
	}

	s.InvalidateSignal(signalID)
	if err := s.notifier.LadderPublished(ctx, sig, updates); err != nil {
		s.logger.Warn("Failed to send ladder notification", zap.String("signal_id", signalID), zap.Error(err))
	}
	return updates, nil
}

// EditPendingUpdate changes a limit row that has not triggered yet.
func (s *LadderService) EditPendingUpdate(ctx context.Context, actor, updateID string, p Proposal) (*domain.TakeProfitUpdate, error) {
	u, sig, ladder, err := s.pendingRow(ctx, actor, updateID)
	if err != nil {
		return nil, err
	}

	others := make([]domain.TakeProfitUpdate, 0, len(ladder))
	for _, row := range ladder {
		if row.ID != u.ID {
			others = append(others, row)
		}
	}
	if err := s.validator.ValidateEdit(sig, ladder, u.ID, p, RemainingCapacity(others)); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.metrics.LadderRejected(string(verr.Rule))
		}
		return nil, err
	}

	u.Price = p.Price
	u.ClosePercent = p.ClosePercent
	u.Note = strings.TrimSpace(p.Note)
	if label := strings.TrimSpace(p.Label); label != "" {
		u.Label = label
	}
	if err := s.ladder.UpdatePendingUpdate(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("Pending TP edited", zap.String("update_id", u.ID), zap.Float64("price", u.Price),
		zap.Float64("close_percent", u.ClosePercent))
	s.InvalidateSignal(sig.ID)
	return u, nil
}

// DeletePendingUpdate removes a limit row that has not triggered yet.
func (s *LadderService) DeletePendingUpdate(ctx context.Context, actor, updateID string) error {
	u, sig, _, err := s.pendingRow(ctx, actor, updateID)
	if err != nil {
		return err
	}
	if err := s.ladder.DeletePendingUpdate(ctx, u.ID); err != nil {
		return err
	}
	s.logger.Info("Pending TP deleted", zap.String("update_id", u.ID), zap.String("signal_id", sig.ID))
	s.InvalidateSignal(sig.ID)
	return nil
}

// PromoteBreakeven moves the signal's stop onto its entry price.
func (s *LadderService) PromoteBreakeven(ctx context.Context, actor, signalID string) (*domain.Signal, error) {
	sig, err := s.openSignal(ctx, actor, signalID)
	if err != nil {
		return nil, err
	}

	var live *float64
	if sig.IsLive() {
		q, err := s.quotes.Resolve(ctx, sig.Symbol)
		if err != nil {
			s.metrics.QuoteLockFailed()
			return nil, err
		}
		live = &q.Price
	}
	if err := s.breakeven.Check(sig, live); err != nil {
		return nil, err
	}

	previous := sig.StopLoss
	target := s.breakeven.Target(sig)
	if err := s.signals.UpdateStopLoss(ctx, sig.ID, previous, target); err != nil {
		return nil, err
	}
	sig.StopLoss = target

	payload := map[string]any{"previous_stop": previous, "new_stop": target}
	if live != nil {
		payload["market_price"] = *live
	}
	ev := &domain.SignalEvent{
		ID:        uuid.NewString(),
		SignalID:  sig.ID,
		Type:      domain.EventSLBreakeven,
		Payload:   domain.NewEventPayload(payload),
		CreatedAt: s.timeNow(),
	}
	if err := s.events.AppendEvent(ctx, ev); err != nil {
		s.logger.Error("Failed to record break-even event", zap.String("signal_id", sig.ID), zap.Error(err))
	}

	s.metrics.BreakevenPromoted()
	s.logger.Info("Stop moved to break-even", zap.String("signal_id", sig.ID), zap.Float64("previous_stop", previous))
	s.InvalidateSignal(sig.ID)
	if err := s.notifier.BreakevenApplied(ctx, sig); err != nil {
		s.logger.Warn("Failed to send break-even notification", zap.String("signal_id", sig.ID), zap.Error(err))
	}
	return sig, nil
}

// LadderView classifies a signal's ladder without reference to any trade.
func (s *LadderService) LadderView(ctx context.Context, signalID string) (*LadderView, error) {
	return s.views.Get(ctx, "ladder:"+signalID, signalID, func(ctx context.Context) (*LadderView, error) {
		sig, err := s.signals.GetSignal(ctx, signalID)
		if err != nil {
			return nil, err
		}
		ladder, err := s.ladder.ListUpdates(ctx, signalID)
		if err != nil {
			return nil, err
		}
		events, err := s.loadEvents(ctx, signalID)
		if err != nil {
			return nil, err
		}

		cls := s.classifier.Classify(ClassifyInput{Signal: sig, Ladder: ladder, Events: events})
		projected := s.reducer.Reduce(ReduceInput{
			Direction:   sig.Direction,
			Entry:       sig.EntryPrice,
			RiskStop:    RiskStop(sig, events),
			InitialRisk: domain.FullClosePercent,
			Ladder:      cls.Updates,
		}, LensProjected)

		return &LadderView{
			Signal:    sig,
			Updates:   cls.Updates,
			Capacity:  RemainingCapacity(ladder),
			Projected: projected,
		}, nil
	})
}

// TradeExposure computes actual and projected exposure for one trade.
func (s *LadderService) TradeExposure(ctx context.Context, tradeID string) (*TradeExposure, error) {
	trade, err := s.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return s.exposures.Get(ctx, "trade:"+tradeID, trade.SignalID, func(ctx context.Context) (*TradeExposure, error) {
		return s.computeExposure(ctx, trade)
	})
}

func (s *LadderService) computeExposure(ctx context.Context, trade *domain.UserTrade) (*TradeExposure, error) {
	sig, err := s.signals.GetSignal(ctx, trade.SignalID)
	if err != nil {
		return nil, err
	}
	ladder, err := s.ladder.ListUpdates(ctx, sig.ID)
	if err != nil {
		return nil, err
	}
	events, err := s.loadEvents(ctx, sig.ID)
	if err != nil {
		return nil, err
	}
	applied, err := s.trades.ListAppliedUpdates(ctx, trade.ID)
	if err != nil {
		return nil, err
	}

	cls := s.classifier.Classify(ClassifyInput{
		Signal:  sig,
		Ladder:  ladder,
		Events:  events,
		Trade:   trade,
		Applied: applied,
	})
	in := ReduceInput{
		Direction:   sig.Direction,
		Entry:       sig.EntryPrice,
		RiskStop:    RiskStop(sig, events),
		InitialRisk: trade.InitialRiskAmount,
		Ladder:      cls.Updates,
	}
	actual := s.reducer.Reduce(in, LensActual)
	projected := s.reducer.Reduce(in, LensProjected)

	exp := &TradeExposure{
		Trade:                trade,
		Signal:               sig,
		Ladder:               cls.Updates,
		Actual:               actual,
		Projected:            projected,
		DisplayRemainingRisk: DisplayRemaining(sig, trade, actual),
		BreakevenProtected:   sig.AtBreakeven(),
		LegacyInferred:       cls.LegacyInferred,
		LegacyMismatch:       cls.LegacyMismatch,
	}
	if trade.IsPending() {
		exp.Drift = trade.RemainingRiskAmount - actual.RemainingRisk
		if math.Abs(exp.Drift) > domain.LegacyTolerance(trade.InitialRiskAmount) {
			s.logger.Warn("Stored remaining risk differs from ladder",
				zap.String("trade_id", trade.ID),
				zap.Float64("stored", trade.RemainingRiskAmount),
				zap.Float64("computed", actual.RemainingRisk))
		}
	}
	if cls.LegacyMismatch {
		s.logger.Warn("Legacy execution inference found no matching prefix", zap.String("trade_id", trade.ID))
	}
	s.metrics.ExposureRecomputed(exp.Drift)
	return exp, nil
}

// InvalidateSignal drops cached views for one signal.
func (s *LadderService) InvalidateSignal(signalID string) {
	s.views.InvalidateSignal(signalID)
	s.exposures.InvalidateSignal(signalID)
}

// InvalidateAll drops every cached view.
func (s *LadderService) InvalidateAll() {
	s.views.InvalidateAll()
	s.exposures.InvalidateAll()
}

func (s *LadderService) openSignal(ctx context.Context, actor, signalID string) (*domain.Signal, error) {
	sig, err := s.signals.GetSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if actor == "" || actor != sig.CreatedBy {
		return nil, fmt.Errorf("actor %q on signal %s: %w", actor, signalID, domain.ErrForbidden)
	}
	if !sig.IsOpen() {
		return nil, fmt.Errorf("signal %s: %w", signalID, domain.ErrSignalClosed)
	}
	return sig, nil
}

// pendingRow loads a row that may still be edited or deleted.
func (s *LadderService) pendingRow(ctx context.Context, actor, updateID string) (*domain.TakeProfitUpdate, *domain.Signal, []domain.TakeProfitUpdate, error) {
	u, err := s.ladder.GetUpdate(ctx, updateID)
	if err != nil {
		return nil, nil, nil, err
	}
	sig, err := s.openSignal(ctx, actor, u.SignalID)
	if err != nil {
		return nil, nil, nil, err
	}
	if u.Kind != domain.UpdateLimit {
		return nil, nil, nil, fmt.Errorf("update %s: %w", updateID, domain.ErrNotPending)
	}

	ladder, err := s.ladder.ListUpdates(ctx, sig.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	events, err := s.loadEvents(ctx, sig.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	cls := s.classifier.Classify(ClassifyInput{Signal: sig, Ladder: ladder, Events: events})
	for _, cu := range cls.Updates {
		if cu.Update.ID == u.ID && (cu.Status != StatusPending || cu.Unresolved) {
			return nil, nil, nil, fmt.Errorf("update %s is %s: %w", updateID, cu.Status, domain.ErrNotPending)
		}
	}
	return u, sig, ladder, nil
}

// livePrice resolves the price used for a live submission: the consumed lock
// when market rows are present, otherwise a fresh quote when the ladder is
// still empty. It returns nil when no price is needed.
func (s *LadderService) livePrice(ctx context.Context, sig *domain.Signal, rows []Proposal, lockID string, first bool) (*float64, error) {
	market := false
	for _, r := range rows {
		if r.Kind == domain.UpdateMarket {
			market = true
			break
		}
	}
	if market {
		if lockID == "" {
			return nil, fmt.Errorf("market close needs a quote lock: %w", domain.ErrQuoteUnavailable)
		}
		lock, err := s.quotes.Consume(lockID, sig.ID)
		if err != nil {
			return nil, err
		}
		return &lock.Price, nil
	}
	if !first {
		return nil, nil
	}
	q, err := s.quotes.Resolve(ctx, sig.Symbol)
	if err != nil {
		return nil, err
	}
	return &q.Price, nil
}

// loadEvents parses the signal's history. Malformed rows are logged and
// skipped, so they never count as evidence of execution.
func (s *LadderService) loadEvents(ctx context.Context, signalID string) ([]domain.ExecutionEvent, error) {
	raw, err := s.events.ListEvents(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	out := make([]domain.ExecutionEvent, 0, len(raw))
	for _, r := range raw {
		ev, err := domain.ParseEvent(r)
		if err != nil {
			s.logger.Warn("Skipping malformed event", zap.String("event_id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *LadderService) riskStop(ctx context.Context, sig *domain.Signal) (float64, error) {
	if !sig.AtBreakeven() {
		return sig.StopLoss, nil
	}
	events, err := s.loadEvents(ctx, sig.ID)
	if err != nil {
		return 0, err
	}
	return RiskStop(sig, events), nil
}

func newLadderEvent(signalID string, typ domain.EventType, u domain.TakeProfitUpdate, extra map[string]any, at time.Time) domain.SignalEvent {
	payload := map[string]any{
		"update_id":     u.ID,
		"label":         u.Label,
		"price":         u.Price,
		"close_percent": u.ClosePercent,
		"note":          u.Note,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return domain.SignalEvent{
		ID:        uuid.NewString(),
		SignalID:  signalID,
		Type:      typ,
		Payload:   domain.NewEventPayload(payload),
		CreatedAt: at,
	}
}
