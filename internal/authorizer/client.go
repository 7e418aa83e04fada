// Package authorizer calls the remote key verification service and
// classifies every call into exactly one Result kind. There are no
// retries: each call is a single attempt bounded by the configured
// timeout.
//
// The HTTP transport issues GET <url>?api_key=<key>[&origin=<origin>] and
// expects {"result": "...", "message": "..."}. The optional gRPC transport
// invokes /keygate.verify.v1.VerifyService/Verify with a
// google.protobuf.Struct carrying the same fields.
package authorizer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/edgequota/keygate/internal/config"
	"github.com/edgequota/keygate/internal/verify"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var tracer = otel.Tracer("keygate.authorizer")

// maxResponseBytes bounds how much of an authorizer response is read.
const maxResponseBytes = 64 << 10

// Verifier is implemented by Client; the gate depends on this interface.
type Verifier interface {
	Verify(ctx context.Context, apiKey, origin string) Result
}

// Client talks to the remote authorizer over HTTP or gRPC.
type Client struct {
	httpURL    *url.URL
	httpClient *http.Client
	grpcConn   *grpc.ClientConn
	timeout    time.Duration
}

// NewClient creates a client from the verify configuration. When
// verify.grpc.address is set the gRPC transport is used.
func NewClient(cfg config.VerifyConfig) (*Client, error) {
	return newClient(cfg)
}

func newClient(cfg config.VerifyConfig, dialOpts ...grpc.DialOption) (*Client, error) {
	timeout := config.MustParseDuration(cfg.Timeout, config.DefaultVerifyTimeout)
	if timeout <= 0 {
		timeout = config.DefaultVerifyTimeout
	}

	c := &Client{timeout: timeout}

	if cfg.GRPC.Address != "" {
		var creds credentials.TransportCredentials
		if cfg.GRPC.TLS.Enabled {
			tlsCreds, err := credentials.NewClientTLSFromFile(cfg.GRPC.TLS.CAFile, "")
			if err != nil {
				return nil, fmt.Errorf("authorizer grpc tls: %w", err)
			}
			creds = tlsCreds
		} else {
			creds = insecure.NewCredentials()
		}

		opts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(creds),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxResponseBytes)),
		}, dialOpts...)
		conn, err := grpc.NewClient(cfg.GRPC.Address, opts...)
		if err != nil {
			return nil, fmt.Errorf("authorizer grpc dial: %w", err)
		}
		c.grpcConn = conn
		return c, nil
	}

	u, err := url.Parse(cfg.HTTP.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid authorizer url %q", cfg.HTTP.URL)
	}
	c.httpURL = u

	// One host, many concurrent misses: keep plenty of idle connections.
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	c.httpClient = &http.Client{
		Transport: transport,
		// The authorizer answers directly; a redirect is an unexpected status.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return c, nil
}

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Transport names the transport in use ("http" or "grpc").
func (c *Client) Transport() string {
	if c.grpcConn != nil {
		return "grpc"
	}
	return "http"
}

// Verify performs one verification call. It never returns without a
// classified Result and never retries.
func (c *Client) Verify(ctx context.Context, apiKey, origin string) Result {
	ctx, span := tracer.Start(ctx, "authorizer.Verify",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("keygate.transport", c.Transport()),
			attribute.String("keygate.api_key", verify.Redact(apiKey)),
			attribute.Bool("keygate.has_origin", origin != ""),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var res Result
	if c.grpcConn != nil {
		res = c.verifyGRPC(ctx, apiKey, origin)
	} else {
		res = c.verifyHTTP(ctx, apiKey, origin)
	}

	span.SetAttributes(attribute.String("keygate.result_kind", res.Kind.String()))
	if res.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(otelcodes.Error, res.Kind.String())
	}
	return res
}

// Close releases the gRPC connection or idle HTTP connections.
func (c *Client) Close() error {
	if c.grpcConn != nil {
		return c.grpcConn.Close()
	}
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

// isTimeout reports whether err came from the call deadline rather than
// from the caller going away.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
