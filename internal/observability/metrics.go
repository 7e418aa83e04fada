// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for keygate.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics keeps atomic counters for cheap reads from tests and status
// endpoints alongside the Prometheus collectors that are scraped.
type Metrics struct {
	passed            atomic.Int64
	denied            atomic.Int64
	missingKey        atomic.Int64
	bypassed          atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	cacheEvictions    atomic.Int64
	sharedCacheErrors atomic.Int64
	authorizerCalls   atomic.Int64
	authorizerTimeout atomic.Int64
	authorizerErrors  atomic.Int64
	eventsSent        atomic.Int64
	eventsDropped     atomic.Int64

	promDecisions         *prometheus.CounterVec
	promCacheLookups      *prometheus.CounterVec
	promCacheEvictions    prometheus.Counter
	promSharedCacheErrors prometheus.Counter
	promAuthorizerCalls   *prometheus.CounterVec
	promAuthorizerLatency prometheus.Histogram
	promEventsSent        prometheus.Counter
	promEventsDropped     prometheus.Counter

	// PromRequestDuration covers the whole request including the origin.
	PromRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		promDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "decisions_total",
			Help:      "Verification decisions by result and reason.",
		}, []string{"decision", "reason"}),
		promCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "cache_lookups_total",
			Help:      "Verification cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		promCacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "cache_evictions_total",
			Help:      "Entries evicted from the local cache to make room.",
		}),
		promSharedCacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "shared_cache_errors_total",
			Help:      "Redis errors from the shared verification cache.",
		}),
		promAuthorizerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "authorizer_requests_total",
			Help:      "Remote authorizer calls by result kind.",
		}, []string{"kind"}),
		promAuthorizerLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keygate",
			Name:      "authorizer_duration_seconds",
			Help:      "Latency of remote authorizer calls.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 0.75, 1, 2.5},
		}),
		promEventsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "events_sent_total",
			Help:      "Decision events delivered to the receiver.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "events_dropped_total",
			Help:      "Decision events dropped because the buffer was full.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keygate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
	}
}

// IncDecision counts one final decision. reason is one of a small fixed set
// chosen by the gate, so the label stays bounded.
func (m *Metrics) IncDecision(pass bool, reason string) {
	decision := "deny"
	if pass {
		decision = "pass"
		m.passed.Add(1)
	} else {
		m.denied.Add(1)
	}
	switch reason {
	case "missing_key":
		m.missingKey.Add(1)
	case "bypass":
		m.bypassed.Add(1)
	}
	m.promDecisions.WithLabelValues(decision, reason).Inc()
}

// IncCacheHit counts a hit in the given tier ("local" or "shared").
func (m *Metrics) IncCacheHit(tier string) {
	m.cacheHits.Add(1)
	m.promCacheLookups.WithLabelValues(tier, "hit").Inc()
}

// IncCacheMiss counts a miss in the given tier.
func (m *Metrics) IncCacheMiss(tier string) {
	m.cacheMisses.Add(1)
	m.promCacheLookups.WithLabelValues(tier, "miss").Inc()
}

// IncCacheEviction counts a capacity eviction.
func (m *Metrics) IncCacheEviction() {
	m.cacheEvictions.Add(1)
	m.promCacheEvictions.Inc()
}

// IncSharedCacheErrors counts a Redis failure in the shared tier.
func (m *Metrics) IncSharedCacheErrors() {
	m.sharedCacheErrors.Add(1)
	m.promSharedCacheErrors.Inc()
}

// ObserveAuthorizer records one authorizer call and its result kind.
func (m *Metrics) ObserveAuthorizer(kind string, elapsed time.Duration) {
	m.authorizerCalls.Add(1)
	switch kind {
	case "timeout":
		m.authorizerTimeout.Add(1)
	case "error":
		m.authorizerErrors.Add(1)
	}
	m.promAuthorizerCalls.WithLabelValues(kind).Inc()
	m.promAuthorizerLatency.Observe(elapsed.Seconds())
}

// AddEventsSent counts n delivered decision events.
func (m *Metrics) AddEventsSent(n int) {
	m.eventsSent.Add(int64(n))
	m.promEventsSent.Add(float64(n))
}

// IncEventsDropped counts one decision event lost to buffer overflow.
func (m *Metrics) IncEventsDropped() {
	m.eventsDropped.Add(1)
	m.promEventsDropped.Inc()
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Passed             int64
	Denied             int64
	MissingKey         int64
	Bypassed           int64
	CacheHits          int64
	CacheMisses        int64
	CacheEvictions     int64
	SharedCacheErrors  int64
	AuthorizerCalls    int64
	AuthorizerTimeouts int64
	AuthorizerErrors   int64
	EventsSent         int64
	EventsDropped      int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Passed:             m.passed.Load(),
		Denied:             m.denied.Load(),
		MissingKey:         m.missingKey.Load(),
		Bypassed:           m.bypassed.Load(),
		CacheHits:          m.cacheHits.Load(),
		CacheMisses:        m.cacheMisses.Load(),
		CacheEvictions:     m.cacheEvictions.Load(),
		SharedCacheErrors:  m.sharedCacheErrors.Load(),
		AuthorizerCalls:    m.authorizerCalls.Load(),
		AuthorizerTimeouts: m.authorizerTimeout.Load(),
		AuthorizerErrors:   m.authorizerErrors.Load(),
		EventsSent:         m.eventsSent.Load(),
		EventsDropped:      m.eventsDropped.Load(),
	}
}
