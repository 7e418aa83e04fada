package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized probe bodies.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","shared_cache":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","shared_cache":"unreachable"}`)
)

// deepProbeTimeout bounds the shared cache ping of a deep readiness probe.
const deepProbeTimeout = 2 * time.Second

// Pinger checks connectivity of a dependency; the shared cache store
// implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker backs the startup, liveness and readiness probes.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	pinger Pinger // nil when the shared cache is disabled
}

// NewHealthChecker creates a checker that is neither started nor ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks startup as complete.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted returns whether startup has completed.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetSharedCachePinger registers the shared cache for deep readiness checks.
// Pass nil to clear it.
func (h *HealthChecker) SetSharedCachePinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinger = p
}

func writeProbe(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// StartzHandler returns 200 once startup has completed, 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeProbe(w, http.StatusOK, jsonStarted)
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler returns 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise. With
// ?deep=true it also pings the shared cache when one is registered. The
// local cache and the authorizer are not probed: both degrade to a policy
// decision rather than an outage.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeProbe(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeProbe(w, http.StatusOK, jsonReady)
			return
		}

		h.mu.RLock()
		pinger := h.pinger
		h.mu.RUnlock()

		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), deepProbeTimeout)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				writeProbe(w, http.StatusServiceUnavailable, jsonDeepFail)
				return
			}
		}
		writeProbe(w, http.StatusOK, jsonDeepOK)
	}
}
