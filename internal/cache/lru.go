package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgequota/keygate/internal/verify"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type lruEntry struct {
	outcome   verify.Outcome
	expiresAt time.Time
}

// LRU is a bounded in-process cache with per-entry expiry. Capacity
// eviction drops the least recently used entry; expired entries read as
// absent and are removed when touched.
type LRU struct {
	mu    sync.Mutex
	items *simplelru.LRU[string, lruEntry]
	now   func() time.Time

	OnHit   func()
	OnMiss  func()
	OnEvict func()
}

// LRUOption configures an LRU.
type LRUOption func(*LRU)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) LRUOption {
	return func(c *LRU) { c.now = now }
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU(capacity int, opts ...LRUOption) (*LRU, error) {
	items, err := simplelru.NewLRU[string, lruEntry](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("creating lru with capacity %d: %w", capacity, err)
	}
	c := &LRU{items: items, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Get returns the outcome stored under key and marks it recently used.
func (c *LRU) Get(_ context.Context, key string) (verify.Outcome, bool) {
	c.mu.Lock()
	e, ok := c.items.Get(key)
	if ok && !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		if c.OnMiss != nil {
			c.OnMiss()
		}
		return verify.Outcome{}, false
	}
	if c.OnHit != nil {
		c.OnHit()
	}
	return e.outcome, true
}

// Set stores outcome under key for ttl. A non-positive ttl is a no-op.
func (c *LRU) Set(_ context.Context, key string, outcome verify.Outcome, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	evicted := c.items.Add(key, lruEntry{outcome: outcome, expiresAt: c.now().Add(ttl)})
	c.mu.Unlock()

	if evicted && c.OnEvict != nil {
		c.OnEvict()
	}
}

// Delete removes key and reports whether it was present.
func (c *LRU) Delete(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Remove(key)
}

// Peek reports the live outcome for key without touching recency or hooks.
func (c *LRU) Peek(key string) (verify.Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items.Peek(key)
	if !ok || !c.now().Before(e.expiresAt) {
		return verify.Outcome{}, false
	}
	return e.outcome, true
}

// Len returns the number of stored entries, including expired entries
// that have not been touched since they expired.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Purge removes every entry.
func (c *LRU) Purge() {
	c.mu.Lock()
	c.items.Purge()
	c.mu.Unlock()
}
