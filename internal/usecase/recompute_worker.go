package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vitos/signal_ladder/internal/domain"
	"go.uber.org/zap"
)

// DriftEntry is one trade whose stored remaining risk disagrees with the
// ladder recomputation.
type DriftEntry struct {
	TradeID   string  `json:"trade_id"`
	SignalID  string  `json:"signal_id"`
	Stored    float64 `json:"stored"`
	Computed  float64 `json:"computed"`
	Drift     float64 `json:"drift"`
	Mismatch  bool    `json:"legacy_mismatch,omitempty"`
	Inferred  int     `json:"legacy_inferred,omitempty"`
	Breakeven bool    `json:"breakeven,omitempty"`
}

// RecomputeWorker keeps exposure views fresh. It drops cached views when the
// change feed reports a write and periodically recomputes every open trade,
// recording drift between stored and computed remaining risk.
type RecomputeWorker struct {
	service  *LadderService
	signals  domain.SignalRepository
	trades   domain.TradeRepository
	feed     domain.ChangeFeed
	watcher  *TriggerWatcher
	logger   *zap.Logger
	interval time.Duration
	logDir   string

	mu         sync.RWMutex
	drift      []DriftEntry
	lastUpdate time.Time
	listeners  []func(domain.Change)
}

func NewRecomputeWorker(service *LadderService, signals domain.SignalRepository, trades domain.TradeRepository,
	feed domain.ChangeFeed, watcher *TriggerWatcher, logger *zap.Logger, interval time.Duration, logDir string) *RecomputeWorker {
	return &RecomputeWorker{
		service:  service,
		signals:  signals,
		trades:   trades,
		feed:     feed,
		watcher:  watcher,
		logger:   logger,
		interval: interval,
		logDir:   logDir,
	}
}

func (w *RecomputeWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting exposure recompute worker", zap.Duration("interval", w.interval))

	changes, err := w.feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to change feed: %w", err)
	}

	// Run immediately first time
	go w.sweep(ctx)

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		cleanupTicker := time.NewTicker(1 * time.Hour)
		defer cleanupTicker.Stop()
		w.cleanupLogs()

		for {
			select {
			case <-ctx.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					w.logger.Warn("Change feed closed; dropping all cached views")
					w.service.InvalidateAll()
					return
				}
				w.handleChange(ctx, ch)
			case <-ticker.C:
				w.sweep(ctx)
			case <-cleanupTicker.C:
				w.cleanupLogs()
			}
		}
	}()
	return nil
}

// OnChange registers fn to run after each change notification has been
// applied to the cache. fn must not block.
func (w *RecomputeWorker) OnChange(fn func(domain.Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Drift returns the trades found drifting by the last sweep.
func (w *RecomputeWorker) Drift() []DriftEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	result := make([]DriftEntry, len(w.drift))
	copy(result, w.drift)
	return result
}

func (w *RecomputeWorker) LastUpdate() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastUpdate
}

func (w *RecomputeWorker) handleChange(ctx context.Context, ch domain.Change) {
	if ch.SignalID == "" {
		w.service.InvalidateAll()
	} else {
		w.service.InvalidateSignal(ch.SignalID)
	}
	if w.watcher != nil && (ch.Table == "" || ch.Table == "take_profit_updates" || ch.Table == "signals") {
		if err := w.watcher.Reload(ctx); err != nil {
			w.logger.Error("Failed to reload trigger watch list", zap.Error(err))
		}
	}

	w.mu.RLock()
	listeners := make([]func(domain.Change), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.RUnlock()
	for _, fn := range listeners {
		fn(ch)
	}
}

// sweep recomputes every pending trade on every open signal.
func (w *RecomputeWorker) sweep(ctx context.Context) {
	start := time.Now()

	open, err := w.signals.ListOpenSignals(ctx)
	if err != nil {
		w.logger.Error("Worker: Failed to list open signals", zap.Error(err))
		return
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		drift     []DriftEntry
		checked   int
		semaphore = make(chan struct{}, 10) // Concurrency limit
	)
	for _, sig := range open {
		trades, err := w.trades.ListTradesBySignal(ctx, sig.ID)
		if err != nil {
			w.logger.Error("Worker: Failed to list trades", zap.String("signal_id", sig.ID), zap.Error(err))
			continue
		}
		for _, t := range trades {
			if !t.IsPending() {
				continue
			}
			wg.Add(1)
			go func(tradeID string) {
				defer wg.Done()
				semaphore <- struct{}{}
				defer func() { <-semaphore }()

				exp, err := w.service.TradeExposure(ctx, tradeID)
				if err != nil {
					w.logger.Warn("Worker: Failed to compute exposure", zap.String("trade_id", tradeID), zap.Error(err))
					return
				}
				mu.Lock()
				defer mu.Unlock()
				checked++
				if math.Abs(exp.Drift) > domain.PriceEpsilon || exp.LegacyMismatch {
					drift = append(drift, DriftEntry{
						TradeID:   tradeID,
						SignalID:  exp.Signal.ID,
						Stored:    exp.Trade.RemainingRiskAmount,
						Computed:  exp.Actual.RemainingRisk,
						Drift:     exp.Drift,
						Mismatch:  exp.LegacyMismatch,
						Inferred:  exp.LegacyInferred,
						Breakeven: exp.BreakevenProtected,
					})
				}
			}(t.ID)
		}
	}
	wg.Wait()

	w.logger.Info("Worker: Exposure sweep complete",
		zap.Duration("duration", time.Since(start)), zap.Int("trades", checked), zap.Int("drifting", len(drift)))

	w.mu.Lock()
	w.drift = drift
	w.lastUpdate = time.Now()
	w.mu.Unlock()

	if len(drift) > 0 {
		w.logDrift(drift)
	}
}

func (w *RecomputeWorker) logDrift(entries []DriftEntry) {
	if w.logDir == "" {
		return
	}
	entry := struct {
		Time time.Time    `json:"time"`
		Data []DriftEntry `json:"data"`
	}{
		Time: time.Now(),
		Data: entries,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		w.logger.Error("Failed to marshal drift entry", zap.Error(err))
		return
	}
	if err := os.MkdirAll(w.logDir, 0755); err != nil {
		w.logger.Error("Failed to create drift log directory", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("drift_%s.jsonl", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(w.logDir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		w.logger.Error("Failed to open drift log", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		w.logger.Error("Failed to write drift entry", zap.Error(err))
	}
}

func (w *RecomputeWorker) cleanupLogs() {
	if w.logDir == "" {
		return
	}
	entries, err := os.ReadDir(w.logDir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error("Failed to read drift log directory", zap.Error(err))
		}
		return
	}

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "drift_") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		date, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, "drift_"), ".jsonl"))
		if err != nil {
			continue
		}
		if date.Before(cutoff) {
			fullPath := filepath.Join(w.logDir, name)
			if err := os.Remove(fullPath); err != nil {
				w.logger.Error("Failed to remove old drift log", zap.String("file", fullPath), zap.Error(err))
			} else {
				w.logger.Info("Removed old drift log", zap.String("file", fullPath))
			}
		}
	}
}
