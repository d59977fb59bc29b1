package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/vitos/signal_ladder/internal/domain"
	"go.uber.org/zap"
)

type watchedRow struct {
	signal *domain.Signal
	update domain.TakeProfitUpdate
}

type watchedStop struct {
	signal *domain.Signal
}

// TriggerWatcher turns live price ticks into TP triggers and stop-outs for
// live signals. It only watches what Reload found pending.
type TriggerWatcher struct {
	service *LadderService
	signals domain.SignalRepository
	logger  *zap.Logger

	mu        sync.Mutex
	rows      map[string][]watchedRow  // symbol -> pending limit rows
	stops     map[string][]watchedStop // symbol -> open live signals
	lastPrice map[string]float64
	fired     map[string]bool // update or signal ids already acted on
}

func NewTriggerWatcher(service *LadderService, signals domain.SignalRepository, logger *zap.Logger) *TriggerWatcher {
	return &TriggerWatcher{
		service:   service,
		signals:   signals,
		logger:    logger,
		rows:      make(map[string][]watchedRow),
		stops:     make(map[string][]watchedStop),
		lastPrice: make(map[string]float64),
		fired:     make(map[string]bool),
	}
}

// Reload rebuilds the watch list from the store.
func (w *TriggerWatcher) Reload(ctx context.Context) error {
	open, err := w.signals.ListOpenSignals(ctx)
	if err != nil {
		return err
	}

	rows := make(map[string][]watchedRow)
	stops := make(map[string][]watchedStop)
	for _, sig := range open {
		if !sig.IsLive() {
			continue
		}
		view, err := w.service.LadderView(ctx, sig.ID)
		if err != nil {
			w.logger.Warn("Failed to load ladder for watch", zap.String("signal_id", sig.ID), zap.Error(err))
			continue
		}
		stops[sig.Symbol] = append(stops[sig.Symbol], watchedStop{signal: view.Signal})
		for _, cu := range view.Updates {
			if cu.Status == StatusPending && !cu.Unresolved && cu.Update.Kind == domain.UpdateLimit {
				rows[sig.Symbol] = append(rows[sig.Symbol], watchedRow{signal: view.Signal, update: cu.Update})
			}
		}
	}

	w.mu.Lock()
	w.rows = rows
	w.stops = stops
	w.fired = make(map[string]bool)
	w.mu.Unlock()
	return nil
}

// Symbols returns every symbol with something to watch.
func (w *TriggerWatcher) Symbols() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.stops))
	for sym := range w.stops {
		out = append(out, sym)
	}
	return out
}

// OnPrice evaluates one tick. Limit rows fill at their own price once the
// market reaches them; a stop touched on the losing side closes the signal.
func (w *TriggerWatcher) OnPrice(ctx context.Context, symbol string, price float64) {
	if !domain.IsFinite(price) || price <= 0 {
		return
	}

	w.mu.Lock()
	w.lastPrice[symbol] = price
	var hits []watchedRow
	for _, r := range w.rows[symbol] {
		if w.fired[r.update.ID] {
			continue
		}
		if RewardDistance(r.signal.Direction, r.update.Price, price) >= -domain.PriceEpsilon {
			w.fired[r.update.ID] = true
			hits = append(hits, r)
		}
	}
	var stopped []watchedStop
	for _, s := range w.stops[symbol] {
		if w.fired[s.signal.ID] {
			continue
		}
		if RewardDistance(s.signal.Direction, s.signal.StopLoss, price) <= domain.PriceEpsilon &&
			!IsProfitable(s.signal.Direction, s.signal.EntryPrice, s.signal.StopLoss) {
			w.fired[s.signal.ID] = true
			stopped = append(stopped, s)
		}
	}
	w.mu.Unlock()

	for _, r := range hits {
		err := w.service.RecordTrigger(ctx, r.update.ID, r.update.Price)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotPending), errors.Is(err, domain.ErrSignalClosed):
			w.logger.Debug("TP no longer pending", zap.String("update_id", r.update.ID), zap.Error(err))
		default:
			w.logger.Error("Failed to record TP trigger", zap.String("update_id", r.update.ID), zap.Error(err))
			w.unfire(r.update.ID)
		}
	}
	for _, s := range stopped {
		if _, err := w.service.CloseOnStop(ctx, s.signal.ID, s.signal.StopLoss); err != nil && !errors.Is(err, domain.ErrSignalClosed) {
			w.logger.Error("Failed to close signal on stop", zap.String("signal_id", s.signal.ID), zap.Error(err))
			w.unfire(s.signal.ID)
			continue
		}
		w.logger.Info("Signal stopped out", zap.String("signal_id", s.signal.ID), zap.Float64("price", price))
	}
}

// LastPrice returns the most recent tick seen for symbol.
func (w *TriggerWatcher) LastPrice(symbol string) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.lastPrice[symbol]
	return p, ok
}

func (w *TriggerWatcher) unfire(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.fired, id)
}
