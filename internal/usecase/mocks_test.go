package usecase_test

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/vitos/signal_ladder/internal/domain"
)

// MockStore is an in-memory record store with the same conditional write
// rules as the SQL store.
type MockStore struct {
	mu      sync.Mutex
	signals map[string]domain.Signal
	updates map[string]domain.TakeProfitUpdate
	events  []domain.SignalEvent
	trades  map[string]domain.UserTrade
	applied []domain.AppliedUpdate

	InsertErr   error
	ApplyErr    error
	ListErr     error
	InsertCalls int
	ApplyCalls  int
}

func NewMockStore() *MockStore {
	return &MockStore{
		signals: make(map[string]domain.Signal),
		updates: make(map[string]domain.TakeProfitUpdate),
		trades:  make(map[string]domain.UserTrade),
	}
}

func (m *MockStore) SaveSignal(ctx context.Context, s *domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[s.ID] = *s
	return nil
}

func (m *MockStore) GetSignal(ctx context.Context, id string) (*domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, fmt.Errorf("signal %s: %w", id, domain.ErrNotFound)
	}
	return &s, nil
}

func (m *MockStore) ListOpenSignals(ctx context.Context) ([]*domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Signal
	for _, s := range m.signals {
		if s.IsOpen() {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) UpdateStopLoss(ctx context.Context, id string, expected, next float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !s.IsOpen() || !domain.PriceEqual(s.StopLoss, expected) {
		return domain.ErrConflict
	}
	s.StopLoss = next
	m.signals[id] = s
	return nil
}

func (m *MockStore) UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = status
	m.signals[id] = s
	return nil
}

func (m *MockStore) ListUpdates(ctx context.Context, signalID string) ([]domain.TakeProfitUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TakeProfitUpdate
	for _, u := range m.updates {
		if u.SignalID == signalID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) GetUpdate(ctx context.Context, id string) (*domain.TakeProfitUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.updates[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, domain.ErrNotFound)
	}
	return &u, nil
}

func (m *MockStore) InsertUpdates(ctx context.Context, updates []domain.TakeProfitUpdate, events []domain.SignalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return m.InsertErr
	}
	for _, u := range updates {
		m.updates[u.ID] = u
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *MockStore) UpdatePendingUpdate(ctx context.Context, u *domain.TakeProfitUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pendingLocked(u.ID); err != nil {
		return err
	}
	m.updates[u.ID] = *u
	return nil
}

func (m *MockStore) DeletePendingUpdate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pendingLocked(id); err != nil {
		return err
	}
	delete(m.updates, id)
	return nil
}

func (m *MockStore) pendingLocked(id string) error {
	u, ok := m.updates[id]
	if !ok {
		return domain.ErrNotFound
	}
	if u.Kind != domain.UpdateLimit {
		return domain.ErrNotPending
	}
	for _, e := range m.events {
		ev, err := domain.ParseEvent(e)
		if trig, ok := ev.(domain.TPTriggered); err == nil && ok && trig.UpdateID == id {
			return domain.ErrNotPending
		}
	}
	for _, a := range m.applied {
		if a.UpdateID == id {
			return domain.ErrNotPending
		}
	}
	return nil
}

func (m *MockStore) ListEvents(ctx context.Context, signalID string, types ...domain.EventType) ([]domain.SignalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SignalEvent
	for _, e := range m.events {
		if e.SignalID != signalID {
			continue
		}
		if len(types) > 0 && !containsType(types, e.Type) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MockStore) AppendEvent(ctx context.Context, e *domain.SignalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *MockStore) SaveTrade(ctx context.Context, t *domain.UserTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = *t
	return nil
}

func (m *MockStore) GetTrade(ctx context.Context, id string) (*domain.UserTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (m *MockStore) ListTradesBySignal(ctx context.Context, signalID string) ([]*domain.UserTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []*domain.UserTrade
	for _, t := range m.trades {
		if t.SignalID == signalID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) ListAppliedUpdates(ctx context.Context, tradeID string, updateIDs ...string) ([]domain.AppliedUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AppliedUpdate
	for _, a := range m.applied {
		if a.TradeID != tradeID {
			continue
		}
		if len(updateIDs) > 0 && !containsString(updateIDs, a.UpdateID) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *MockStore) ApplyUpdate(ctx context.Context, a domain.AppliedUpdate, t *domain.UserTrade, expectedRemaining float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyCalls++
	if m.ApplyErr != nil {
		return m.ApplyErr
	}
	current, ok := m.trades[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !current.IsPending() || math.Abs(current.RemainingRiskAmount-expectedRemaining) > domain.PriceEpsilon {
		return domain.ErrConflict
	}
	for _, existing := range m.applied {
		if existing.TradeID == a.TradeID && existing.UpdateID == a.UpdateID {
			return domain.ErrConflict
		}
	}
	m.applied = append(m.applied, a)
	m.trades[t.ID] = *t
	return nil
}

func (m *MockStore) CloseTrade(ctx context.Context, t *domain.UserTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.trades[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !current.IsPending() {
		return domain.ErrConflict
	}
	m.trades[t.ID] = *t
	return nil
}

// Applied returns every applied row for trade.
func (m *MockStore) Applied(tradeID string) []domain.AppliedUpdate {
	out, _ := m.ListAppliedUpdates(context.Background(), tradeID)
	return out
}

// EventsOf returns the parsed events of one type.
func (m *MockStore) EventsOf(signalID string, typ domain.EventType) []domain.ExecutionEvent {
	raw, _ := m.ListEvents(context.Background(), signalID, typ)
	out := make([]domain.ExecutionEvent, 0, len(raw))
	for _, r := range raw {
		if ev, err := domain.ParseEvent(r); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func containsType(types []domain.EventType, t domain.EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsString(vals []string, v string) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// MockNotifier records what would have been sent.
type MockNotifier struct {
	mu        sync.Mutex
	Published int
	Triggered []float64
	Breakeven int
	Err       error
}

func (n *MockNotifier) LadderPublished(ctx context.Context, s *domain.Signal, u []domain.TakeProfitUpdate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Published++
	return n.Err
}

func (n *MockNotifier) UpdateTriggered(ctx context.Context, s *domain.Signal, u domain.TakeProfitUpdate, price float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Triggered = append(n.Triggered, price)
	return n.Err
}

func (n *MockNotifier) BreakevenApplied(ctx context.Context, s *domain.Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Breakeven++
	return n.Err
}

// MockMetrics counts calls by name.
type MockMetrics struct {
	mu     sync.Mutex
	Counts map[string]int
	Drift  float64
}

func NewMockMetrics() *MockMetrics {
	return &MockMetrics{Counts: make(map[string]int)}
}

func (m *MockMetrics) inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counts[name]++
}

func (m *MockMetrics) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counts[name]
}

func (m *MockMetrics) LadderSubmitted(accepted bool) {
	if accepted {
		m.inc("submitted")
		return
	}
	m.inc("rejected")
}

func (m *MockMetrics) LadderRejected(rule string) { m.inc("rule:" + rule) }
func (m *MockMetrics) QuoteLockFailed()           { m.inc("quote_failed") }
func (m *MockMetrics) BreakevenPromoted()         { m.inc("breakeven") }
func (m *MockMetrics) TPTriggered(kind string)    { m.inc("trigger:" + kind) }

func (m *MockMetrics) ExposureRecomputed(drift float64) {
	m.inc("recomputed")
	m.mu.Lock()
	m.Drift = drift
	m.mu.Unlock()
}
