package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	assert.NotNil(t, m.PromRequestDuration)

	m.IncDecision(true, "verified")
	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetricsIncDecision(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncDecision(true, "bypass")
	m.IncDecision(true, "cached")
	m.IncDecision(false, "missing_key")
	m.IncDecision(false, "rejected")

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Passed)
	assert.Equal(t, int64(2), snap.Denied)
	assert.Equal(t, int64(1), snap.MissingKey)
	assert.Equal(t, int64(1), snap.Bypassed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promDecisions.WithLabelValues("deny", "rejected")))
}

func TestMetricsCache(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncCacheHit("local")
	m.IncCacheHit("shared")
	m.IncCacheMiss("local")
	m.IncCacheEviction()
	m.IncSharedCacheErrors()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.Equal(t, int64(1), snap.CacheEvictions)
	assert.Equal(t, int64(1), snap.SharedCacheErrors)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promCacheLookups.WithLabelValues("shared", "hit")))
}

func TestMetricsObserveAuthorizer(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveAuthorizer("verified", 10*time.Millisecond)
	m.ObserveAuthorizer("timeout", 750*time.Millisecond)
	m.ObserveAuthorizer("error", time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.AuthorizerCalls)
	assert.Equal(t, int64(1), snap.AuthorizerTimeouts)
	assert.Equal(t, int64(1), snap.AuthorizerErrors)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promAuthorizerCalls.WithLabelValues("timeout")))
}

func TestMetricsEvents(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.AddEventsSent(5)
	m.IncEventsDropped()

	snap := m.Snapshot()
	assert.Equal(t, int64(5), snap.EventsSent)
	assert.Equal(t, int64(1), snap.EventsDropped)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.promEventsSent))
}
