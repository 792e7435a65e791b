// Package cache implements the single-flight, stale-on-429 cache
// coordinator used by read-path collaborators.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"golang.org/x/sync/singleflight"
)

// RateLimitedError is implemented by fetch errors that should trigger
// stale-on-error fallback. Upstream callers return an error satisfying
// this from their fetch function on HTTP 429.
type RateLimitedError interface {
	error
	RateLimited() bool
}

// entry is one namespaced cache row.
type entry struct {
	value     any
	storedAt  time.Time
}

// Store is the pluggable backing map. An in-memory implementation
// suffices for tests; production wires an external key-value store.
type Store interface {
	Get(ctx context.Context, namespace, key string) (value any, storedAt time.Time, ok bool)
	Set(ctx context.Context, namespace, key string, value any, storedAt time.Time)
}

// MemoryStore is the in-memory Store implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]entry)}
}

func (m *MemoryStore) Get(ctx context.Context, namespace, key string) (any, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[namespace+"\x00"+key]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.value, e.storedAt, true
}

func (m *MemoryStore) Set(ctx context.Context, namespace, key string, value any, storedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[namespace+"\x00"+key] = entry{value: value, storedAt: storedAt}
}

// Counters are the per-namespace observability counts.
type Counters struct {
	Hits, Misses, Errors, StaleServes, RateLimitErrors, CoalescedJoins int64
}

// Coordinator is the keyed single-flight cache, passed by reference and
// injected into its callers rather than held as a package-level global.
type Coordinator struct {
	store Store
	clock clock.Clock
	group singleflight.Group

	mu       sync.Mutex
	counters map[string]*Counters
}

func New(store Store, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{store: store, clock: clk, counters: make(map[string]*Counters)}
}

func (c *Coordinator) countersFor(namespace string) *Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.counters[namespace]
	if !ok {
		ct = &Counters{}
		c.counters[namespace] = ct
	}
	return ct
}

// Counters returns a copy of namespace's counters, for tests and ops.
func (c *Coordinator) Counters(namespace string) Counters {
	ct := c.countersFor(namespace)
	c.mu.Lock()
	defer c.mu.Unlock()
	return *ct
}

// GetOrFetch returns a fresh cached value for key within ttl, joining any
// in-flight fetch for the same (namespace, key) rather than starting a
// duplicate. On a RateLimitedError from fetch, a stale value within
// staleTTL is returned if one exists; otherwise the error propagates.
func (c *Coordinator) GetOrFetch(ctx context.Context, namespace, key string, ttl, staleTTL time.Duration, fetch func(ctx context.Context) (any, error)) (any, error) {
	now := c.clock.Now()
	ct := c.countersFor(namespace)

	if v, storedAt, ok := c.store.Get(ctx, namespace, key); ok && now.Sub(storedAt) < ttl {
		c.mu.Lock()
		ct.Hits++
		c.mu.Unlock()
		return v, nil
	}

	sfKey := namespace + "\x00" + key
	v, err, shared := c.group.Do(sfKey, func() (any, error) {
		c.mu.Lock()
		ct.Misses++
		c.mu.Unlock()

		result, ferr := fetch(ctx)
		if ferr != nil {
			if rle, ok := ferr.(RateLimitedError); ok && rle.RateLimited() {
				c.mu.Lock()
				ct.RateLimitErrors++
				c.mu.Unlock()
				if stale, storedAt, ok := c.store.Get(ctx, namespace, key); ok && now.Sub(storedAt) < staleTTL {
					c.mu.Lock()
					ct.StaleServes++
					c.mu.Unlock()
					return stale, nil
				}
			}
			c.mu.Lock()
			ct.Errors++
			c.mu.Unlock()
			return nil, ferr
		}

		c.store.Set(ctx, namespace, key, result, now)
		return result, nil
	})

	if shared {
		c.mu.Lock()
		ct.CoalescedJoins++
		c.mu.Unlock()
	}
	return v, err
}
