package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/edgequota/keygate/internal/redis"
	"github.com/edgequota/keygate/internal/verify"
	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "kg:verify:"

// sharedEntry is the JSON stored in Redis. ExpiresAt lets a reader backfill
// its local tier with the remaining lifetime instead of a fresh TTL.
type sharedEntry struct {
	Outcome   verify.Outcome `json:"outcome"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// RedisStore shares verification outcomes between instances. Keys are
// hashed so raw API keys never appear in Redis. Every Redis failure is
// logged and reported as a miss.
type RedisStore struct {
	client redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time

	OnHit   func()
	OnMiss  func()
	OnError func()
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the namespace prepended to every Redis key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLogger sets the logger for Redis failures.
func WithLogger(l *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// NewRedisStore creates a shared store on top of client.
func NewRedisStore(client redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultKeyPrefix,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:])
}

// Get implements Cache.
func (s *RedisStore) Get(ctx context.Context, key string) (verify.Outcome, bool) {
	o, _, ok := s.Lookup(ctx, key)
	return o, ok
}

// Lookup returns the outcome and how long it has left to live.
func (s *RedisStore) Lookup(ctx context.Context, key string) (verify.Outcome, time.Duration, bool) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			s.fail("shared cache get failed", err)
		}
		s.miss()
		return verify.Outcome{}, 0, false
	}

	var e sharedEntry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Debug("shared cache: unmarshal error", "error", err)
		s.miss()
		return verify.Outcome{}, 0, false
	}
	remaining := e.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		s.miss()
		return verify.Outcome{}, 0, false
	}

	if s.OnHit != nil {
		s.OnHit()
	}
	return e.Outcome, remaining, true
}

// Set implements Cache. A non-positive ttl is a no-op.
func (s *RedisStore) Set(ctx context.Context, key string, outcome verify.Outcome, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(sharedEntry{Outcome: outcome, ExpiresAt: s.now().Add(ttl)})
	if err != nil {
		s.logger.Debug("shared cache: marshal error", "error", err)
		return
	}
	if err := s.client.Set(ctx, s.redisKey(key), data, ttl).Err(); err != nil {
		s.fail("shared cache set failed", err)
	}
}

// Delete implements Cache. A Redis failure reports false.
func (s *RedisStore) Delete(ctx context.Context, key string) bool {
	n, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		s.fail("shared cache delete failed", err)
		return false
	}
	return n > 0
}

// Ping checks connectivity; used by deep readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) miss() {
	if s.OnMiss != nil {
		s.OnMiss()
	}
}

func (s *RedisStore) fail(msg string, err error) {
	if s.OnError != nil {
		s.OnError()
	}
	if redis.IsConnectivityErr(err) {
		s.logger.Warn(msg, "error", err)
		return
	}
	s.logger.Error(msg, "error", err)
}
