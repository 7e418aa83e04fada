// Package cache stores verification outcomes keyed by the canonical
// verification key. The in-process LRU is always present; a Redis tier can
// sit behind it so that instances share what they have learned. Neither
// tier is a source of truth: a miss only means the authorizer is asked.
package cache

import (
	"context"
	"time"

	"github.com/edgequota/keygate/internal/verify"
)

// Cache is the lookup surface the gate depends on.
type Cache interface {
	Get(ctx context.Context, key string) (verify.Outcome, bool)
	Set(ctx context.Context, key string, outcome verify.Outcome, ttl time.Duration)
	// Delete drops key so the next lookup asks the authorizer again.
	Delete(ctx context.Context, key string) bool
}

var (
	_ Cache = (*LRU)(nil)
	_ Cache = (*RedisStore)(nil)
	_ Cache = (*Tiered)(nil)
)
