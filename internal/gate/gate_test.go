package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/edgequota/keygate/internal/authorizer"
	"github.com/edgequota/keygate/internal/cache"
	"github.com/edgequota/keygate/internal/config"
	"github.com/edgequota/keygate/internal/observability"
	"github.com/edgequota/keygate/internal/redis"
	"github.com/edgequota/keygate/internal/verify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeVerifier answers from fn and counts calls per api key.
type fakeVerifier struct {
	fn func(apiKey, origin string) authorizer.Result

	mu    sync.Mutex
	calls map[string]int
	total atomic.Int64
}

func newFakeVerifier(fn func(apiKey, origin string) authorizer.Result) *fakeVerifier {
	return &fakeVerifier{fn: fn, calls: make(map[string]int)}
}

func (f *fakeVerifier) Verify(_ context.Context, apiKey, origin string) authorizer.Result {
	f.mu.Lock()
	f.calls[apiKey]++
	f.mu.Unlock()
	f.total.Add(1)
	return f.fn(apiKey, origin)
}

func (f *fakeVerifier) Calls(apiKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[apiKey]
}

func success() authorizer.Result {
	return authorizer.Result{Kind: authorizer.KindVerified, Outcome: verify.Outcome{Result: verify.ResultSuccess}, StatusCode: 200}
}

func rejectedWith(msg string) authorizer.Result {
	return authorizer.Result{Kind: authorizer.KindRejected, Outcome: verify.Failure(msg), StatusCode: 400}
}

func alwaysSuccess(string, string) authorizer.Result { return success() }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	gate    *Gate
	lru     *cache.LRU
	clock   *fakeClock
	metrics *observability.Metrics
	origin  *atomic.Int64
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Origin.URL = "http://127.0.0.1:1"
	return cfg
}

func newFixture(t *testing.T, v authorizer.Verifier, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	clock := newFakeClock()
	lru, err := cache.NewLRU(cfg.Cache.Capacity, cache.WithClock(clock.Now))
	require.NoError(t, err)

	var originHits atomic.Int64
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		originHits.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("origin"))
	})

	m := observability.NewMetrics(prometheus.NewRegistry())
	g := New(next, lru, v, cfg, testLogger(), m)
	t.Cleanup(func() { _ = g.Close() })
	return &fixture{gate: g, lru: lru, clock: clock, metrics: m, origin: &originHits}
}

func request(uri, query string, origin ...string) verify.Request {
	req := verify.Request{URI: uri, QueryString: query, Headers: map[string][]verify.HeaderValue{}}
	for _, o := range origin {
		req.Headers["origin"] = append(req.Headers["origin"], verify.HeaderValue{Key: "Origin", Value: o})
	}
	return req
}

// ---------------------------------------------------------------------------
// Decision policy
// ---------------------------------------------------------------------------

func TestDecideBypass(t *testing.T) {
	v := newFakeVerifier(func(string, string) authorizer.Result { return rejectedWith("nope") })
	f := newFixture(t, v, nil)
	ctx := context.Background()

	// A denial for "bad" is already cached; bypass must not consult it.
	f.lru.Set(ctx, "api_key=bad", verify.Failure("nope"), time.Hour)

	for _, q := range []string{"", "api_key=bad", "api_key=new"} {
		t.Run("query "+q, func(t *testing.T) {
			d := f.gate.Decide(ctx, request("/preview.html", q))
			assert.True(t, d.Pass)
			assert.Equal(t, ReasonBypass, d.Reason)
		})
	}
	assert.Zero(t, v.total.Load())
	assert.Equal(t, int64(3), f.metrics.Snapshot().Bypassed)

	t.Run("bypass is an exact match", func(t *testing.T) {
		d := f.gate.Decide(ctx, request("/preview.html/x", ""))
		assert.False(t, d.Pass)
		assert.Equal(t, ReasonMissingKey, d.Reason)
	})
}

func TestDecideMissingKey(t *testing.T) {
	v := newFakeVerifier(alwaysSuccess)
	f := newFixture(t, v, nil)
	ctx := context.Background()
	f.lru.Set(ctx, "api_key=abc", verify.Outcome{Result: verify.ResultSuccess}, time.Hour)

	for _, q := range []string{"", "api_key=", "other=1", "API_KEY=abc"} {
		t.Run("query "+q, func(t *testing.T) {
			d := f.gate.Decide(ctx, request("/tiles/1.mvt", q))
			assert.False(t, d.Pass)
			assert.Equal(t, http.StatusBadRequest, d.Status)
			assert.Equal(t, "Missing API Key", d.StatusDescription)
			assert.Equal(t, "An API key is required.", d.Body)
		})
	}
	assert.Zero(t, v.total.Load())
	assert.Equal(t, int64(4), f.metrics.Snapshot().MissingKey)
}

func TestDecideCachesVerifiedOutcome(t *testing.T) {
	v := newFakeVerifier(alwaysSuccess)
	f := newFixture(t, v, nil)
	ctx := context.Background()

	first := f.gate.Decide(ctx, request("/a", "api_key=abc"))
	second := f.gate.Decide(ctx, request("/b", "api_key=abc&z=9"))

	assert.True(t, first.Pass)
	assert.False(t, first.Cached)
	assert.Equal(t, ReasonVerified, first.Reason)
	assert.True(t, second.Pass)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, v.Calls("abc"))

	t.Run("origin is part of the key", func(t *testing.T) {
		d := f.gate.Decide(ctx, request("/a", "api_key=abc", "https://example.com"))
		assert.True(t, d.Pass)
		assert.False(t, d.Cached)
		assert.Equal(t, 2, v.Calls("abc"))

		d = f.gate.Decide(ctx, request("/a", "api_key=abc", "https://example.com", "https://other.example"))
		assert.True(t, d.Cached, "only the first origin value is keyed")
		assert.Equal(t, 2, v.Calls("abc"))
	})

	_, ok := f.lru.Peek("api_key=abc")
	assert.True(t, ok)
}

func TestDecideVerifiedFailureDenies(t *testing.T) {
	v := newFakeVerifier(func(string, string) authorizer.Result {
		return authorizer.Result{Kind: authorizer.KindVerified, Outcome: verify.Failure("key disabled"), StatusCode: 200}
	})
	f := newFixture(t, v, nil)
	ctx := context.Background()

	d := f.gate.Decide(ctx, request("/", "api_key=off"))
	assert.False(t, d.Pass)
	assert.Equal(t, http.StatusBadRequest, d.Status)
	assert.Equal(t, "Invalid API Key", d.StatusDescription)
	assert.Equal(t, "key disabled", d.Body)

	d = f.gate.Decide(ctx, request("/", "api_key=off"))
	assert.False(t, d.Pass)
	assert.True(t, d.Cached)
	assert.Equal(t, 1, v.Calls("off"))
}

func TestDecideRejectedIsCached(t *testing.T) {
	v := newFakeVerifier(func(string, string) authorizer.Result { return rejectedWith("invalid key") })
	f := newFixture(t, v, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := f.gate.Decide(ctx, request("/", "api_key=bad"))
		assert.False(t, d.Pass)
		assert.Equal(t, http.StatusBadRequest, d.Status)
		assert.Equal(t, "invalid key", d.Body)
	}
	assert.Equal(t, 1, v.Calls("bad"))

	t.Run("empty message falls back", func(t *testing.T) {
		v := newFakeVerifier(func(string, string) authorizer.Result { return rejectedWith("") })
		f := newFixture(t, v, nil)
		d := f.gate.Decide(ctx, request("/", "api_key=bad"))
		assert.Equal(t, InvalidKeyFallbackBody, d.Body)
	})
}

func TestDecideExpiry(t *testing.T) {
	v := newFakeVerifier(alwaysSuccess)
	f := newFixture(t, v, func(c *config.Config) { c.Cache.TTL = "10m" })
	ctx := context.Background()

	f.gate.Decide(ctx, request("/", "api_key=abc"))
	f.clock.Advance(9 * time.Minute)
	d := f.gate.Decide(ctx, request("/", "api_key=abc"))
	assert.True(t, d.Cached)
	assert.Equal(t, 1, v.Calls("abc"))

	f.clock.Advance(time.Minute)
	d = f.gate.Decide(ctx, request("/", "api_key=abc"))
	assert.False(t, d.Cached, "entry at its TTL must not be used")
	assert.Equal(t, 2, v.Calls("abc"))
}

func TestDecideEviction(t *testing.T) {
	v := newFakeVerifier(alwaysSuccess)
	f := newFixture(t, v, func(c *config.Config) { c.Cache.Capacity = 2 })
	ctx := context.Background()

	f.gate.Decide(ctx, request("/", "api_key=a"))
	f.gate.Decide(ctx, request("/", "api_key=b"))
	// Touch a so that b is least recently used.
	f.gate.Decide(ctx, request("/", "api_key=a"))
	f.gate.Decide(ctx, request("/", "api_key=c"))

	assert.Equal(t, 2, f.lru.Len())

	d := f.gate.Decide(ctx, request("/", "api_key=a"))
	assert.True(t, d.Cached)
	assert.Equal(t, 1, v.Calls("a"))

	d = f.gate.Decide(ctx, request("/", "api_key=b"))
	assert.False(t, d.Cached)
	assert.Equal(t, 2, v.Calls("b"))
}

func TestDecideTimeoutPassesUncached(t *testing.T) {
	v := newFakeVerifier(func(string, string) authorizer.Result {
		return authorizer.Result{Kind: authorizer.KindTimeout, Err: context.DeadlineExceeded}
	})

	for _, ttl := range []string{"1s", "1h", "24h"} {
		t.Run("ttl "+ttl, func(t *testing.T) {
			f := newFixture(t, v, func(c *config.Config) {
				c.Cache.TTL = ttl
				c.Verify.FailurePolicy = config.FailurePolicyFailClosed
			})
			d := f.gate.Decide(context.Background(), request("/", "api_key=slow"))
			assert.True(t, d.Pass)
			assert.Equal(t, ReasonTimeout, d.Reason)
			assert.Zero(t, f.lru.Len())
		})
	}
}

func TestDecideAuthorizerErrorPolicy(t *testing.T) {
	v := newFakeVerifier(func(string, string) authorizer.Result {
		return authorizer.Result{Kind: authorizer.KindError, Err: errors.New("unexpected status 502"), StatusCode: 502}
	})

	t.Run("failopen passes", func(t *testing.T) {
		f := newFixture(t, v, func(c *config.Config) { c.Verify.FailurePolicy = config.FailurePolicyFailOpen })
		d := f.gate.Decide(context.Background(), request("/", "api_key=abc"))
		assert.True(t, d.Pass)
		assert.Equal(t, ReasonAuthorizerError, d.Reason)
		assert.Zero(t, f.lru.Len())
	})

	t.Run("failclosed denies with 503", func(t *testing.T) {
		f := newFixture(t, v, func(c *config.Config) { c.Verify.FailurePolicy = config.FailurePolicyFailClosed })
		d := f.gate.Decide(context.Background(), request("/", "api_key=abc"))
		assert.False(t, d.Pass)
		assert.Equal(t, http.StatusServiceUnavailable, d.Status)
		assert.Equal(t, "Service Unavailable", d.StatusDescription)
		assert.Equal(t, "API key verification is unavailable.", d.Body)
		assert.Zero(t, f.lru.Len())
	})

	t.Run("empty policy defaults to failopen", func(t *testing.T) {
		f := newFixture(t, v, func(c *config.Config) { c.Verify.FailurePolicy = "" })
		assert.True(t, f.gate.Decide(context.Background(), request("/", "api_key=abc")).Pass)
	})

	t.Run("unknown result kind follows policy", func(t *testing.T) {
		odd := newFakeVerifier(func(string, string) authorizer.Result { return authorizer.Result{} })
		f := newFixture(t, odd, func(c *config.Config) { c.Verify.FailurePolicy = config.FailurePolicyFailClosed })
		d := f.gate.Decide(context.Background(), request("/", "api_key=abc"))
		assert.False(t, d.Pass)
		assert.Equal(t, http.StatusServiceUnavailable, d.Status)
	})
}

func TestDecideConcurrent(t *testing.T) {
	v := newFakeVerifier(func(apiKey, _ string) authorizer.Result {
		if apiKey == "k0" {
			return rejectedWith("invalid key")
		}
		return success()
	})
	f := newFixture(t, v, func(c *config.Config) { c.Cache.Capacity = 8 })

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("k%d", i%16)
		g.Go(func() error {
			d := f.gate.Decide(context.Background(), request("/", "api_key="+key))
			if key == "k0" && d.Pass {
				return fmt.Errorf("%s passed", key)
			}
			if key != "k0" && !d.Pass {
				return fmt.Errorf("%s denied", key)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, f.lru.Len(), 8)
	assert.Equal(t, int64(64), f.metrics.Snapshot().Passed+f.metrics.Snapshot().Denied)
}

func TestDecideTieredBackfill(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := redis.NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}, Mode: config.RedisModeSingle})
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })
	shared := cache.NewRedisStore(rc)

	newTiered := func() *cache.Tiered {
		lru, err := cache.NewLRU(10)
		require.NoError(t, err)
		return cache.NewTiered(lru, shared)
	}

	v := newFakeVerifier(func(string, string) authorizer.Result { return rejectedWith("invalid key") })
	m := observability.NewMetrics(prometheus.NewRegistry())
	next := http.NotFoundHandler()
	cfg := testConfig()

	first := newTiered()
	g1 := New(next, first, v, cfg, testLogger(), m)
	d := g1.Decide(context.Background(), request("/", "api_key=bad"))
	assert.False(t, d.Pass)

	second := newTiered()
	g2 := New(next, second, v, cfg, testLogger(), m)
	d = g2.Decide(context.Background(), request("/", "api_key=bad"))
	assert.False(t, d.Pass)
	assert.True(t, d.Cached)
	assert.Equal(t, "invalid key", d.Body)
	assert.Equal(t, 1, v.Calls("bad"))
	assert.Equal(t, 1, second.Local().Len(), "shared hit backfills the local tier")
}

// ---------------------------------------------------------------------------
// Reload
// ---------------------------------------------------------------------------

func TestReload(t *testing.T) {
	failing := newFakeVerifier(func(string, string) authorizer.Result {
		return authorizer.Result{Kind: authorizer.KindError, Err: errors.New("refused")}
	})
	f := newFixture(t, failing, nil)
	ctx := context.Background()

	f.lru.Set(ctx, "api_key=abc", verify.Outcome{Result: verify.ResultSuccess}, time.Hour)
	assert.True(t, f.gate.Decide(ctx, request("/", "api_key=zzz")).Pass)

	cfg := testConfig()
	cfg.Verify.FailurePolicy = config.FailurePolicyFailClosed
	cfg.Verify.BypassPaths = []string{"/health.txt"}
	f.gate.Reload(cfg)

	t.Run("failure policy applies", func(t *testing.T) {
		assert.False(t, f.gate.Decide(ctx, request("/", "api_key=zzz")).Pass)
	})

	t.Run("bypass paths are replaced", func(t *testing.T) {
		assert.True(t, f.gate.Decide(ctx, request("/health.txt", "")).Pass)
		assert.False(t, f.gate.Decide(ctx, request("/preview.html", "")).Pass)
	})

	t.Run("cache survives", func(t *testing.T) {
		d := f.gate.Decide(ctx, request("/", "api_key=abc"))
		assert.True(t, d.Pass)
		assert.True(t, d.Cached)
	})

	t.Run("verifier swap", func(t *testing.T) {
		ok := newFakeVerifier(alwaysSuccess)
		old := f.gate.SwapVerifier(ok)
		assert.Same(t, failing, old)
		assert.True(t, f.gate.Decide(ctx, request("/", "api_key=zzz")).Pass)
		assert.Equal(t, 1, ok.Calls("zzz"))
	})
}

// ---------------------------------------------------------------------------
// End-to-end against a real authorizer client
// ---------------------------------------------------------------------------

func TestScenariosWithHTTPAuthorizer(t *testing.T) {
	var calls sync.Map
	count := func(k string) int64 {
		v, _ := calls.LoadOrStore(k, new(atomic.Int64))
		return v.(*atomic.Int64).Load()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("api_key")
		c, _ := calls.LoadOrStore(key, new(atomic.Int64))
		c.(*atomic.Int64).Add(1)

		w.Header().Set("Content-Type", "application/json")
		switch key {
		case "abc":
			_, _ = w.Write([]byte(`{"result":"success"}`))
		case "bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"invalid key"}`))
		case "slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			_, _ = w.Write([]byte(`{"result":"success"}`))
		}
	}))
	defer srv.Close()

	client, err := authorizer.NewClient(config.VerifyConfig{
		HTTP:    config.VerifyHTTPConfig{URL: srv.URL + "/verify"},
		Timeout: "100ms",
	})
	require.NoError(t, err)
	defer client.Close()

	f := newFixture(t, client, nil)
	ctx := context.Background()

	t.Run("valid key passes and is cached", func(t *testing.T) {
		d := f.gate.Decide(ctx, request("/", "api_key=abc"))
		assert.True(t, d.Pass)
		_, ok := f.lru.Peek("api_key=abc")
		assert.True(t, ok)
		assert.Equal(t, 1, f.lru.Len())
	})

	t.Run("invalid key is denied without a second call", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			d := f.gate.Decide(ctx, request("/", "api_key=bad"))
			assert.False(t, d.Pass)
			assert.Equal(t, http.StatusBadRequest, d.Status)
			assert.Equal(t, "invalid key", d.Body)
		}
		assert.Equal(t, int64(1), count("bad"))
	})

	t.Run("slow authorizer passes without caching", func(t *testing.T) {
		d := f.gate.Decide(ctx, request("/", "api_key=slow"))
		assert.True(t, d.Pass)
		assert.Equal(t, ReasonTimeout, d.Reason)
		_, ok := f.lru.Peek("api_key=slow")
		assert.False(t, ok)
	})
}
