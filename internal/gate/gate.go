// Package gate decides whether a viewer request may continue to origin.
//
// A request on a bypass path passes unconditionally. Otherwise its api_key
// (plus optional origin header) is looked up in the verification cache and,
// on a miss, checked once against the remote authorizer. Authoritative
// answers are cached; timeouts pass without caching; any other authorizer
// failure follows the configured failure policy.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgequota/keygate/internal/authorizer"
	"github.com/edgequota/keygate/internal/cache"
	"github.com/edgequota/keygate/internal/config"
	"github.com/edgequota/keygate/internal/events"
	"github.com/edgequota/keygate/internal/observability"
	"github.com/edgequota/keygate/internal/verify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("keygate.gate")

// Decision reasons. They label metrics and decision events, so the set is fixed.
const (
	ReasonBypass          = "bypass"
	ReasonMissingKey      = "missing_key"
	ReasonCached          = "cached"
	ReasonVerified        = "verified"
	ReasonRejected        = "rejected"
	ReasonTimeout         = "timeout"
	ReasonAuthorizerError = "authorizer_error"
)

// Deny response texts.
const (
	MissingKeyDescription  = "Missing API Key"
	MissingKeyBody         = "An API key is required."
	InvalidKeyDescription  = "Invalid API Key"
	InvalidKeyFallbackBody = "The API key is not valid."
	UnavailableDescription = "Service Unavailable"
	UnavailableBody        = "API key verification is unavailable."
)

// Decision is the result of one verification. A denying decision carries
// the response to short-circuit with.
type Decision struct {
	Pass              bool
	Status            int
	StatusDescription string
	Body              string

	Reason string
	Cached bool
}

func pass(reason string) Decision {
	return Decision{Pass: true, Reason: reason}
}

func deny(status int, description, body, reason string) Decision {
	return Decision{Status: status, StatusDescription: description, Body: body, Reason: reason}
}

// fromOutcome maps an authoritative outcome to a decision.
func fromOutcome(o verify.Outcome, reason string) Decision {
	if o.Success() {
		return pass(reason)
	}
	body := o.Message
	if body == "" {
		body = InvalidKeyFallbackBody
	}
	return deny(http.StatusBadRequest, InvalidKeyDescription, body, reason)
}

// settings is the hot-reloadable part of the gate.
type settings struct {
	bypassPaths   []string
	ttl           time.Duration
	failurePolicy config.FailurePolicy
	events        config.EventsConfig
}

func settingsFrom(cfg *config.Config) *settings {
	policy := cfg.Verify.FailurePolicy
	if policy == "" {
		policy = config.FailurePolicyFailOpen
	}
	return &settings{
		bypassPaths:   append([]string(nil), cfg.Verify.BypassPaths...),
		ttl:           config.MustParseDuration(cfg.Cache.TTL, config.DefaultCacheTTL),
		failurePolicy: policy,
		events:        cfg.Events,
	}
}

type verifierBox struct {
	v authorizer.Verifier
}

// Gate holds the verification cache for the lifetime of the process and
// applies the decision policy to every request.
type Gate struct {
	cache    cache.Cache
	verifier atomic.Pointer[verifierBox]
	settings atomic.Pointer[settings]
	next     atomic.Pointer[http.Handler]

	mu      sync.Mutex // serializes Reload
	emitter atomic.Pointer[events.Emitter]

	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds a gate that forwards passed requests to next. The cache is
// owned by the caller and survives every Reload.
func New(
	next http.Handler,
	c cache.Cache,
	v authorizer.Verifier,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Gate {
	g := &Gate{
		cache:   c,
		metrics: metrics,
		logger:  logger,
	}
	g.next.Store(&next)
	g.verifier.Store(&verifierBox{v: v})
	s := settingsFrom(cfg)
	g.settings.Store(s)
	g.emitter.Store(events.NewEmitter(s.events, logger, metrics))
	return g
}

// Decide runs the decision policy for req.
func (g *Gate) Decide(ctx context.Context, req verify.Request) Decision {
	ctx, span := tracer.Start(ctx, "keygate.decide", trace.WithAttributes(
		attribute.String("keygate.uri", req.URI),
	))
	defer span.End()

	s := g.settings.Load()

	if verify.IsBypass(req.URI, s.bypassPaths) {
		d := pass(ReasonBypass)
		g.record(ctx, span, req, verify.Key{}, d)
		return d
	}

	key, err := verify.Extract(req)
	if err != nil {
		d := deny(http.StatusBadRequest, MissingKeyDescription, MissingKeyBody, ReasonMissingKey)
		g.record(ctx, span, req, key, d)
		return d
	}

	d := g.decideKey(ctx, s, key)
	g.record(ctx, span, req, key, d)
	return d
}

func (g *Gate) decideKey(ctx context.Context, s *settings, key verify.Key) Decision {
	cacheKey := key.String()

	if o, ok := g.cache.Get(ctx, cacheKey); ok {
		d := fromOutcome(o, ReasonCached)
		d.Cached = true
		return d
	}

	v := g.verifier.Load().v
	start := time.Now()
	res := v.Verify(ctx, key.APIKey, key.Origin)
	g.metrics.ObserveAuthorizer(res.Kind.String(), time.Since(start))

	switch res.Kind {
	case authorizer.KindVerified:
		g.cache.Set(ctx, cacheKey, res.Outcome, s.ttl)
		return fromOutcome(res.Outcome, ReasonVerified)

	case authorizer.KindRejected:
		g.cache.Set(ctx, cacheKey, res.Outcome, s.ttl)
		return fromOutcome(res.Outcome, ReasonRejected)

	case authorizer.KindTimeout:
		g.logger.Warn("authorizer timed out, passing request",
			"api_key", key.Redacted(), "origin", key.Origin, "error", res.Err)
		return pass(ReasonTimeout)

	default:
		return g.onAuthorizerError(s, key, res)
	}
}

// onAuthorizerError applies the failure policy. It also covers any result
// kind the switch above does not name, so no authorizer outcome goes
// unanswered.
func (g *Gate) onAuthorizerError(s *settings, key verify.Key, res authorizer.Result) Decision {
	var d Decision
	if s.failurePolicy == config.FailurePolicyFailClosed {
		d = deny(http.StatusServiceUnavailable, UnavailableDescription, UnavailableBody, ReasonAuthorizerError)
	} else {
		d = pass(ReasonAuthorizerError)
	}
	g.logger.Error("authorizer failed",
		"api_key", key.Redacted(), "origin", key.Origin,
		"kind", res.Kind.String(), "status", res.StatusCode, "error", res.Err,
		"policy", string(s.failurePolicy), "pass", d.Pass)
	return d
}

// record counts, logs, traces and emits one decision.
func (g *Gate) record(ctx context.Context, span trace.Span, req verify.Request, key verify.Key, d Decision) {
	g.metrics.IncDecision(d.Pass, d.Reason)

	decision := "deny"
	if d.Pass {
		decision = "pass"
	}
	span.SetAttributes(
		attribute.String("keygate.decision", decision),
		attribute.String("keygate.reason", d.Reason),
		attribute.Bool("keygate.cached", d.Cached),
	)

	apiKey := ""
	if key.APIKey != "" {
		apiKey = key.Redacted()
	}
	reqID := RequestIDFromContext(ctx)

	level := slog.LevelDebug
	if !d.Pass {
		level = slog.LevelInfo
	}
	g.logger.Log(ctx, level, "verification decision",
		"decision", decision, "reason", d.Reason, "cached", d.Cached,
		"api_key", apiKey, "origin", key.Origin, "uri", req.URI,
		"status", d.Status, "request_id", reqID)

	g.emitter.Load().Emit(events.DecisionEvent{
		APIKey:     apiKey,
		Origin:     key.Origin,
		Path:       req.URI,
		Decision:   decision,
		Reason:     d.Reason,
		StatusCode: d.Status,
		Cached:     d.Cached,
		RequestID:  reqID,
	})
}

// SwapVerifier installs v and returns the verifier it replaced. In-flight
// calls keep using the old verifier until they finish.
func (g *Gate) SwapVerifier(v authorizer.Verifier) authorizer.Verifier {
	return g.verifier.Swap(&verifierBox{v: v}).v
}

// SetNext replaces the handler that passed requests are forwarded to.
func (g *Gate) SetNext(next http.Handler) {
	g.next.Store(&next)
}

// Reload applies bypass paths, TTL, failure policy and events settings from
// cfg. The cache and its capacity are untouched.
func (g *Gate) Reload(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.settings.Load()
	s := settingsFrom(cfg)
	g.settings.Store(s)

	if prev.events != s.events {
		if old := g.emitter.Swap(events.NewEmitter(s.events, g.logger, g.metrics)); old != nil {
			_ = old.Close()
		}
	}

	g.logger.Info("gate reloaded",
		"bypass_paths", s.bypassPaths, "ttl", s.ttl, "failure_policy", string(s.failurePolicy))
}

// Close flushes pending decision events.
func (g *Gate) Close() error {
	return g.emitter.Swap(nil).Close()
}
