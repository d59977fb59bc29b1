package usecase_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/signal_ladder/internal/domain"
	"github.com/vitos/signal_ladder/internal/usecase"
	"go.uber.org/zap"
)

type chanFeed struct {
	ch chan domain.Change
}

func (f *chanFeed) Subscribe(ctx context.Context) (<-chan domain.Change, error) {
	return f.ch, nil
}

func TestRecomputeWorker_RecordsDriftAndFollowsChanges(t *testing.T) {
	f := newServiceFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.signal(t, domain.MarketManual)

	drifting := pendingTrade(200, 150, base)
	require.NoError(t, f.store.SaveTrade(ctx, drifting))

	dir := t.TempDir()
	feed := &chanFeed{ch: make(chan domain.Change, 1)}
	w := usecase.NewRecomputeWorker(f.svc, f.store, f.store, feed, nil, zap.NewNop(), time.Hour, dir)

	seen := make(chan domain.Change, 1)
	w.OnChange(func(ch domain.Change) { seen <- ch })

	require.NoError(t, w.Start(ctx))
	require.Eventually(t, func() bool { return !w.LastUpdate().IsZero() }, 2*time.Second, 10*time.Millisecond)

	entries := w.Drift()
	require.Len(t, entries, 1)
	assert.Equal(t, "trade-1", entries[0].TradeID)
	assert.Equal(t, 150.0, entries[0].Stored)
	assert.Equal(t, 200.0, entries[0].Computed)
	assert.InDelta(t, -50, entries[0].Drift, 1e-9)

	files, err := filepath.Glob(filepath.Join(dir, "drift_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trade_id":"trade-1"`)

	// Repair the row behind the cache; the change notification drops the
	// stale view.
	drifting.RemainingRiskAmount = 200
	require.NoError(t, f.store.SaveTrade(ctx, drifting))
	stale, err := f.svc.TradeExposure(ctx, "trade-1")
	require.NoError(t, err)
	assert.InDelta(t, -50, stale.Drift, 1e-9)

	feed.ch <- domain.Change{Table: "user_trades", SignalID: "sig-1"}
	select {
	case ch := <-seen:
		assert.Equal(t, "sig-1", ch.SignalID)
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}

	fresh, err := f.svc.TradeExposure(ctx, "trade-1")
	require.NoError(t, err)
	assert.InDelta(t, 0, fresh.Drift, 1e-9)
}

func TestRecomputeWorker_ReloadsWatcherOnLadderChange(t *testing.T) {
	f := newServiceFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := usecase.NewTriggerWatcher(f.svc, f.store, zap.NewNop())
	feed := &chanFeed{ch: make(chan domain.Change, 1)}
	w := usecase.NewRecomputeWorker(f.svc, f.store, f.store, feed, watcher, zap.NewNop(), time.Hour, "")
	seen := make(chan domain.Change, 1)
	w.OnChange(func(ch domain.Change) { seen <- ch })
	require.NoError(t, w.Start(ctx))
	assert.Empty(t, watcher.Symbols())

	f.signal(t, domain.MarketLive)
	feed.ch <- domain.Change{Table: "signals", SignalID: "sig-1"}
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}
	assert.Equal(t, []string{"BTCUSDT"}, watcher.Symbols())
}
