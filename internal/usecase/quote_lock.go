package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/signal_ladder/internal/domain"
)

// QuoteLock pins one live quote for a single market close.
type QuoteLock struct {
	ID        string    `json:"id"`
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	QuotedAt  time.Time `json:"quoted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// QuoteResolver fetches live quotes and hands out short-lived locks. Locks
// live only in memory; an abandoned lock simply expires.
type QuoteResolver struct {
	source domain.PriceSource
	ttl    time.Duration

	mu      sync.Mutex
	locks   map[string]QuoteLock
	timeNow func() time.Time
}

func NewQuoteResolver(source domain.PriceSource, ttl time.Duration) *QuoteResolver {
	return &QuoteResolver{
		source:  source,
		ttl:     ttl,
		locks:   make(map[string]QuoteLock),
		timeNow: time.Now,
	}
}

// SetClock replaces the clock used for lock expiry.
func (r *QuoteResolver) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeNow = now
}

// Resolve fetches one fresh quote. Errors, NaN and non-positive prices all
// come back as ErrQuoteUnavailable; a zero price is never returned.
func (r *QuoteResolver) Resolve(ctx context.Context, symbol string) (domain.Quote, error) {
	price, err := r.source.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("quote %s: %w: %w", symbol, domain.ErrQuoteUnavailable, err)
	}
	q := domain.Quote{Symbol: symbol, Price: price, QuotedAt: r.now()}
	if !q.Usable() {
		return domain.Quote{}, fmt.Errorf("quote %s: %w: price %v", symbol, domain.ErrQuoteUnavailable, price)
	}
	return q, nil
}

// Lock resolves a quote for a live signal and stores it until expiry.
func (r *QuoteResolver) Lock(ctx context.Context, sig *domain.Signal) (QuoteLock, error) {
	if !sig.IsLive() {
		return QuoteLock{}, fmt.Errorf("signal %s has no live market: %w", sig.ID, domain.ErrQuoteUnavailable)
	}
	q, err := r.Resolve(ctx, sig.Symbol)
	if err != nil {
		return QuoteLock{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	lock := QuoteLock{
		ID:        uuid.NewString(),
		SignalID:  sig.ID,
		Symbol:    q.Symbol,
		Price:     q.Price,
		QuotedAt:  q.QuotedAt,
		ExpiresAt: q.QuotedAt.Add(r.ttl),
	}
	r.locks[lock.ID] = lock
	return lock, nil
}

// Consume returns the lock and removes it, so a lock backs at most one close.
func (r *QuoteResolver) Consume(lockID, signalID string) (QuoteLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[lockID]
	if !ok || lock.SignalID != signalID {
		return QuoteLock{}, fmt.Errorf("quote lock %s: %w", lockID, domain.ErrQuoteExpired)
	}
	delete(r.locks, lockID)
	if !r.timeNow().Before(lock.ExpiresAt) {
		return QuoteLock{}, fmt.Errorf("quote lock %s: %w", lockID, domain.ErrQuoteExpired)
	}
	return lock, nil
}

// Release drops a lock without using it.
func (r *QuoteResolver) Release(lockID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, lockID)
}

// Watch re-locks the signal's quote every interval until ctx is done, so a
// displayed price is never older than one interval. Each new lock replaces
// the previous one. Failures are passed to fn and retried on the next tick.
func (r *QuoteResolver) Watch(ctx context.Context, sig *domain.Signal, interval time.Duration, fn func(QuoteLock, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var current string
	refresh := func() {
		lock, err := r.Lock(ctx, sig)
		if err == nil {
			if current != "" {
				r.Release(current)
			}
			current = lock.ID
		}
		fn(lock, err)
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

func (r *QuoteResolver) now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeNow()
}

func (r *QuoteResolver) pruneLocked() {
	now := r.timeNow()
	for id, l := range r.locks {
		if !now.Before(l.ExpiresAt) {
			delete(r.locks, id)
		}
	}
}
