package cache

import (
	"context"
	"time"

	"github.com/edgequota/keygate/internal/verify"
)

// Tiered consults the local LRU first and the shared store second. A shared
// hit is copied into the local tier for the rest of its lifetime.
type Tiered struct {
	local  *LRU
	shared *RedisStore
}

// NewTiered composes the two tiers. shared may be nil.
func NewTiered(local *LRU, shared *RedisStore) *Tiered {
	return &Tiered{local: local, shared: shared}
}

// Get implements Cache.
func (t *Tiered) Get(ctx context.Context, key string) (verify.Outcome, bool) {
	if o, ok := t.local.Get(ctx, key); ok {
		return o, true
	}
	if t.shared == nil {
		return verify.Outcome{}, false
	}
	o, remaining, ok := t.shared.Lookup(ctx, key)
	if !ok {
		return verify.Outcome{}, false
	}
	t.local.Set(ctx, key, o, remaining)
	return o, true
}

// Set implements Cache.
func (t *Tiered) Set(ctx context.Context, key string, outcome verify.Outcome, ttl time.Duration) {
	t.local.Set(ctx, key, outcome, ttl)
	if t.shared != nil {
		t.shared.Set(ctx, key, outcome, ttl)
	}
}

// Delete implements Cache. It reports whether either tier held key.
func (t *Tiered) Delete(ctx context.Context, key string) bool {
	found := t.local.Delete(ctx, key)
	if t.shared != nil && t.shared.Delete(ctx, key) {
		found = true
	}
	return found
}

// Local returns the in-process tier.
func (t *Tiered) Local() *LRU { return t.local }
