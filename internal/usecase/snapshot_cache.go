package usecase

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry[V any] struct {
	value    V
	signalID string
	expires  time.Time
}

type inflightLoad struct {
	signalID string
	callers  int
}

// SnapshotCache memoizes computed views per key with a TTL. Concurrent misses
// for the same key share one load. Entries are tagged with their signal so a
// change notification can drop exactly what it affects.
type SnapshotCache[V any] struct {
	ttl   time.Duration
	group singleflight.Group

	mu         sync.Mutex
	entries    map[string]cacheEntry[V]
	inflight   map[string]*inflightLoad
	generation uint64
	timeNow    func() time.Time
}

func NewSnapshotCache[V any](ttl time.Duration) *SnapshotCache[V] {
	return &SnapshotCache[V]{
		ttl:      ttl,
		entries:  make(map[string]cacheEntry[V]),
		inflight: make(map[string]*inflightLoad),
		timeNow:  time.Now,
	}
}

// SetClock replaces the clock used for expiry.
func (c *SnapshotCache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeNow = now
}

// Get returns the cached value for key or runs load once for all concurrent
// callers. A load that started before an invalidation is returned to its
// callers but not stored.
func (c *SnapshotCache[V]) Get(ctx context.Context, key, signalID string, load func(ctx context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.timeNow().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	gen := c.generation
	c.enter(key, signalID)
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		return load(ctx)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.leave(key)
	if err != nil {
		var zero V
		return zero, err
	}
	value := v.(V)
	if c.generation == gen {
		c.entries[key] = cacheEntry[V]{value: value, signalID: signalID, expires: c.timeNow().Add(c.ttl)}
	}
	return value, nil
}

// InvalidateSignal drops every entry computed for signalID.
func (c *SnapshotCache[V]) InvalidateSignal(signalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for key, e := range c.entries {
		if e.signalID == signalID {
			delete(c.entries, key)
			c.group.Forget(key)
		}
	}
	// Callers arriving after this point must not join a load that read
	// pre-write state.
	for key, l := range c.inflight {
		if l.signalID == signalID {
			c.group.Forget(key)
		}
	}
}

// InvalidateAll drops everything.
func (c *SnapshotCache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for key := range c.entries {
		c.group.Forget(key)
	}
	for key := range c.inflight {
		c.group.Forget(key)
	}
	c.entries = make(map[string]cacheEntry[V])
}

// enter and leave count callers waiting on a load; c.mu must be held.
func (c *SnapshotCache[V]) enter(key, signalID string) {
	l, ok := c.inflight[key]
	if !ok {
		l = &inflightLoad{signalID: signalID}
		c.inflight[key] = l
	}
	l.callers++
}

func (c *SnapshotCache[V]) leave(key string) {
	l, ok := c.inflight[key]
	if !ok {
		return
	}
	l.callers--
	if l.callers <= 0 {
		delete(c.inflight, key)
	}
}

func (c *SnapshotCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
