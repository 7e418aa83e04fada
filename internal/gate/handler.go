package gate

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/edgequota/keygate/internal/verify"
)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

var (
	requestIDMu  sync.Mutex
	requestIDRng = func() *rand.ChaCha8 {
		var seed [32]byte
		if _, err := cryptorand.Read(seed[:]); err != nil {
			panic("failed to seed ChaCha8: " + err.Error())
		}
		return rand.NewChaCha8(seed)
	}()
)

// generateRequestID creates a 16-byte hex-encoded random ID.
func generateRequestID() string {
	var buf [16]byte
	requestIDMu.Lock()
	binary.LittleEndian.PutUint64(buf[:8], requestIDRng.Uint64())
	binary.LittleEndian.PutUint64(buf[8:], requestIDRng.Uint64())
	requestIDMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to
// propagate into logs and upstream headers.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so streamed origin responses are not buffered.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP verifies the request and either writes the deny response or
// forwards it to the next handler.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Validate client-supplied IDs to prevent header injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		g.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()

	r = r.WithContext(WithRequestID(r.Context(), reqID))

	d := g.Decide(r.Context(), verify.RequestFromHTTP(r))
	if !d.Pass {
		writeDeny(sw, d)
		return
	}
	(*g.next.Load()).ServeHTTP(sw, r)
}

// writeDeny writes the short-circuit response. The status description
// travels in the reason phrase slot for edge runtimes and in a header for
// plain HTTP clients.
func writeDeny(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Keygate-Reason", d.StatusDescription)
	w.WriteHeader(d.Status)
	_, _ = w.Write([]byte(d.Body))
}
