package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/vitos/signal_ladder/internal/domain"
	"go.uber.org/zap"
)

// NotifyChannel is the postgres channel the write triggers notify on.
const NotifyChannel = "ladder_changes"

const feedBuffer = 64

// MemoryChangeFeed fans out writes made in this process. A slow subscriber
// loses notifications instead of blocking writers; the exposure cache TTL
// bounds how stale it can get.
type MemoryChangeFeed struct {
	mu     sync.Mutex
	subs   map[chan domain.Change]struct{}
	closed bool
}

func NewMemoryChangeFeed() *MemoryChangeFeed {
	return &MemoryChangeFeed{subs: make(map[chan domain.Change]struct{})}
}

func (f *MemoryChangeFeed) Subscribe(ctx context.Context) (<-chan domain.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("change feed closed")
	}
	ch := make(chan domain.Change, feedBuffer)
	f.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (f *MemoryChangeFeed) Publish(c domain.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Close ends every subscription.
func (f *MemoryChangeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
}

// PGChangeFeed listens for the notifications raised by the postgres write
// triggers, so writes from any process reach the cache.
type PGChangeFeed struct {
	dsn    string
	logger *zap.Logger
}

func NewPGChangeFeed(dsn string, logger *zap.Logger) *PGChangeFeed {
	return &PGChangeFeed{dsn: dsn, logger: logger}
}

func (f *PGChangeFeed) Subscribe(ctx context.Context) (<-chan domain.Change, error) {
	listener := pq.NewListener(f.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			f.logger.Warn("Change listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	out := make(chan domain.Change, feedBuffer)
	send := func(c domain.Change) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		defer listener.Close()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification follows a reconnect; anything may have
				// changed meanwhile.
				if n == nil {
					if !send(domain.Change{}) {
						return
					}
					continue
				}
				var c struct {
					Table    string `json:"table"`
					SignalID string `json:"signal_id"`
				}
				if err := json.Unmarshal([]byte(n.Extra), &c); err != nil {
					f.logger.Warn("Malformed change notification", zap.String("payload", n.Extra), zap.Error(err))
					c.Table, c.SignalID = "", ""
				}
				if !send(domain.Change{Table: c.Table, SignalID: c.SignalID}) {
					return
				}
			case <-ping.C:
				go func() {
					if err := listener.Ping(); err != nil {
						f.logger.Warn("Change listener ping failed", zap.Error(err))
					}
				}()
			}
		}
	}()
	return out, nil
}
