// Package proxy forwards verified requests to the configured origin.
//
// HTTP/1.1 requests use a pooled HTTP/1.1 transport. Requests that arrived
// over HTTP/2 (including h2c) are forwarded over HTTP/2 so the protocol is
// preserved end to end. Responses are flushed immediately so streamed
// payloads reach the client without buffering.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/edgequota/keygate/internal/config"
	"golang.org/x/net/http2"
)

// Proxy is a reverse proxy to a single origin.
type Proxy struct {
	origin *url.URL
	rp     *httputil.ReverseProxy
	h1     *http.Transport
	h2     *http2.Transport
	logger *slog.Logger
}

// New builds a proxy for cfg. The origin URL must be absolute.
func New(cfg config.OriginConfig, logger *slog.Logger) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL %q: %w", cfg.URL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid origin URL %q: scheme and host are required", cfg.URL)
	}

	h1, h2 := buildTransports(target, cfg)
	p := &Proxy{
		origin: target,
		h1:     h1,
		h2:     h2,
		logger: logger,
	}
	p.rp = buildReverseProxy(target, &protocolAwareTransport{http1: h1, http2: h2}, logger)
	return p, nil
}

// Origin returns the parsed origin URL.
func (p *Proxy) Origin() *url.URL { return p.origin }

// ServeHTTP forwards r to the origin.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// Close releases idle upstream connections.
func (p *Proxy) Close() {
	p.h1.CloseIdleConnections()
	p.h2.CloseIdleConnections()
}

func buildTransports(target *url.URL, cfg config.OriginConfig) (*http.Transport, *http2.Transport) {
	tc := cfg.Transport
	responseTimeout, _ := config.ParseDuration(cfg.Timeout, 30*time.Second)
	idleConnTimeout, _ := config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	dialTimeout, _ := config.ParseDuration(tc.DialTimeout, 30*time.Second)
	dialKeepAlive, _ := config.ParseDuration(tc.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout, _ := config.ParseDuration(tc.TLSHandshakeTimeout, 10*time.Second)
	expectContinueTimeout, _ := config.ParseDuration(tc.ExpectContinueTimeout, time.Second)
	h2ReadIdleTimeout, _ := config.ParseDuration(tc.H2ReadIdleTimeout, 30*time.Second)
	h2PingTimeout, _ := config.ParseDuration(tc.H2PingTimeout, 15*time.Second)

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 100
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSInsecureVerify, //nolint:gosec // Operator opt-in for private origins.
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: dialKeepAlive}

	h1 := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ResponseHeaderTimeout: responseTimeout,
		ForceAttemptHTTP2:     false,
	}

	h2 := &http2.Transport{
		AllowHTTP:       true,
		TLSClientConfig: tlsCfg,
		ReadIdleTimeout: h2ReadIdleTimeout,
		PingTimeout:     h2PingTimeout,
	}
	if target.Scheme == "http" {
		// Prior-knowledge h2c: dial plain TCP even though the transport asks for TLS.
		h2.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
	}

	return h1, h2
}

func buildReverseProxy(target *url.URL, transport http.RoundTripper, logger *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			if target.Path != "" && target.Path != "/" {
				req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
			}
			if req.Header.Get("X-Forwarded-Host") == "" {
				req.Header.Set("X-Forwarded-Host", req.Host)
			}
			if req.Header.Get("X-Forwarded-Proto") == "" {
				proto := "http"
				if req.TLS != nil {
					proto = "https"
				}
				req.Header.Set("X-Forwarded-Proto", proto)
			}
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
			if isClientDisconnect(proxyErr) {
				logger.Debug("client went away", "error", proxyErr, "path", req.URL.Path)
				return
			}
			logger.Error("origin error", "error", proxyErr, "path", req.URL.Path)
			rw.WriteHeader(http.StatusBadGateway)
		},
	}
}

// protocolAwareTransport forwards HTTP/2 requests over the HTTP/2 transport
// and everything else over the pooled HTTP/1.1 transport.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")

	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "client disconnected") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
