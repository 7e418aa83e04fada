// Package events ships verification decisions to an external HTTP receiver.
// Decisions are buffered in a fixed-size ring and posted in batches from a
// background goroutine, so emitting never blocks a request. When the ring is
// full the oldest decision is dropped.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/edgequota/keygate/internal/config"
	"github.com/edgequota/keygate/internal/observability"
)

// DecisionEvent describes one verification decision. APIKey is always the
// redacted form.
type DecisionEvent struct {
	APIKey     string `json:"api_key,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Path       string `json:"path"`
	Decision   string `json:"decision"` // "pass" or "deny"
	Reason     string `json:"reason"`
	StatusCode int    `json:"status_code,omitempty"`
	Cached     bool   `json:"cached"`
	RequestID  string `json:"request_id,omitempty"`
	Timestamp  string `json:"timestamp"` // RFC 3339
}

const (
	defaultBatchSize     = 100
	defaultBufferSize    = 10000
	defaultFlushInterval = 5 * time.Second
	sendTimeout          = 10 * time.Second
)

// Emitter batches decision events and posts them as
// {"events": [...]} to the configured URL.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	url    string
	client *http.Client

	batchSize     int
	flushInterval time.Duration

	mu   sync.Mutex
	ring []DecisionEvent
	head int
	size int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter starts an emitter, or returns nil when events are disabled.
// A nil *Emitter is safe to Emit to and Close.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	flushInterval := config.MustParseDuration(cfg.FlushInterval, defaultFlushInterval)
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		url:           cfg.HTTP.URL,
		client:        &http.Client{Timeout: sendTimeout},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		ring:          make([]DecisionEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.loop()
	return e
}

// Emit enqueues ev without blocking.
func (e *Emitter) Emit(ev DecisionEvent) {
	if e == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	e.mu.Lock()
	tail := (e.head + e.size) % len(e.ring)
	e.ring[tail] = ev
	if e.size == len(e.ring) {
		e.head = (e.head + 1) % len(e.ring)
		e.metrics.IncEventsDropped()
	} else {
		e.size++
	}
	full := e.size >= e.batchSize
	e.mu.Unlock()

	if full {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the background loop and sends whatever is still buffered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	close(e.done)
	e.wg.Wait()
	e.flush()
	return nil
}

func (e *Emitter) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.take()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

// take removes up to batchSize events from the head of the ring.
func (e *Emitter) take() []DecisionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := min(e.size, e.batchSize)
	if n == 0 {
		return nil
	}
	batch := make([]DecisionEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.head+i)%len(e.ring)]
	}
	e.head = (e.head + n) % len(e.ring)
	e.size -= n
	return batch
}

func (e *Emitter) send(batch []DecisionEvent) {
	if e.url == "" {
		e.logger.Warn("no events destination configured, dropping batch", "count", len(batch))
		return
	}

	body, err := json.Marshal(struct {
		Events []DecisionEvent `json:"events"`
	}{Events: batch})
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("events receiver returned error", "status", resp.StatusCode, "count", len(batch))
		return
	}
	e.metrics.AddEventsSent(len(batch))
}

func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(url=%s, batch=%d, flush=%s, buf=%d)",
		e.url, e.batchSize, e.flushInterval, len(e.ring))
}
