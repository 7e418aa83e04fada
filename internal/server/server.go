// Package server runs keygate's main listener and admin listener. The main
// listener verifies every viewer request and forwards passed ones to the
// origin; the admin listener exposes health probes and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgequota/keygate/internal/authorizer"
	"github.com/edgequota/keygate/internal/cache"
	"github.com/edgequota/keygate/internal/config"
	"github.com/edgequota/keygate/internal/gate"
	"github.com/edgequota/keygate/internal/observability"
	"github.com/edgequota/keygate/internal/proxy"
	iredis "github.com/edgequota/keygate/internal/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// verifierCloseGrace is how long a replaced authorizer client stays open
// beyond its own timeout so in-flight calls can finish.
const verifierCloseGrace = time.Second

// Server is the keygate server.
type Server struct {
	cfg         *config.Config
	logger      *slog.Logger
	version     string
	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server

	gate     *gate.Gate
	origin   *proxy.Proxy
	verifier *authorizer.Client
	local    *cache.LRU
	redis    iredis.Client // nil when the shared cache is disabled.

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.

	mu sync.Mutex // serializes Reload
}

// New wires the verification cache, authorizer client, gate and origin proxy.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	rp, err := buildProxy(cfg.Origin, logger)
	if err != nil {
		return nil, err
	}

	local, err := buildLocalCache(cfg.Cache, metrics)
	if err != nil {
		return nil, err
	}

	var (
		verifCache cache.Cache = local
		rc         iredis.Client
	)
	if cfg.SharedCache.Enabled {
		rc, verifCache = buildSharedCache(cfg, local, metrics, health, logger)
	}

	client, err := authorizer.NewClient(cfg.Verify)
	if err != nil {
		return nil, fmt.Errorf("create authorizer client: %w", err)
	}
	logger.Info("authorizer configured",
		"transport", client.Transport(), "timeout", client.Timeout(),
		"failure_policy", string(cfg.Verify.FailurePolicy))

	g := gate.New(rp, verifCache, client, cfg, logger, metrics)

	mainServer, h3srv := buildMainServer(cfg, mainHandler(cfg, g), logger)
	adminServer := buildAdminServer(cfg, health, reg, cachePurgeHandler(verifCache, local, logger))

	return &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: adminServer,
		gate:        g,
		origin:      rp,
		verifier:    client,
		local:       local,
		redis:       rc,
		health:      health,
		metrics:     metrics,
	}, nil
}

func buildProxy(cfg config.OriginConfig, logger *slog.Logger) (*proxy.Proxy, error) {
	if cfg.TLSInsecureVerify {
		logger.Warn("SECURITY WARNING: origin TLS certificate verification is DISABLED (tls_insecure_skip_verify=true)")
	}
	rp, err := proxy.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create origin proxy: %w", err)
	}
	return rp, nil
}

func buildLocalCache(cfg config.CacheConfig, metrics *observability.Metrics) (*cache.LRU, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = config.DefaultCacheCapacity
	}
	lru, err := cache.NewLRU(capacity)
	if err != nil {
		return nil, fmt.Errorf("create verification cache: %w", err)
	}
	lru.OnHit = func() { metrics.IncCacheHit("local") }
	lru.OnMiss = func() { metrics.IncCacheMiss("local") }
	lru.OnEvict = metrics.IncCacheEviction
	return lru, nil
}

// buildSharedCache layers the Redis tier behind local. The shared tier is an
// optimization only: when Redis is unreachable at startup keygate runs on
// the local cache alone.
func buildSharedCache(
	cfg *config.Config,
	local *cache.LRU,
	metrics *observability.Metrics,
	health *observability.HealthChecker,
	logger *slog.Logger,
) (iredis.Client, cache.Cache) {
	iredis.WarnInsecureRedis(cfg.SharedCache.Redis.TLS, logger)

	rc, err := iredis.NewClient(cfg.SharedCache.Redis)
	if err != nil {
		logger.Error("shared cache unavailable, continuing with local cache only", "error", err)
		return nil, local
	}

	store := cache.NewRedisStore(rc,
		cache.WithKeyPrefix(cfg.SharedCache.KeyPrefix),
		cache.WithLogger(logger),
	)
	store.OnHit = func() { metrics.IncCacheHit("shared") }
	store.OnMiss = func() { metrics.IncCacheMiss("shared") }
	store.OnError = metrics.IncSharedCacheErrors
	health.SetSharedCachePinger(store)

	logger.Info("shared cache enabled",
		"mode", string(cfg.SharedCache.Redis.Mode), "endpoints", cfg.SharedCache.Redis.Endpoints)
	return rc, cache.NewTiered(local, store)
}

// mainHandler routes the edge event endpoint, when configured, and sends
// everything else through the gate.
func mainHandler(cfg *config.Config, g *gate.Gate) http.Handler {
	eventPath := cfg.Server.EventPath
	if eventPath == "" {
		return g
	}
	events := g.EventHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == eventPath {
			events.ServeHTTP(w, r)
			return
		}
		g.ServeHTTP(w, r)
	})
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mainHandler := h2c.NewHandler(handler, &http2.Server{})

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT requests can be replayed.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(
	cfg *config.Config,
	health *observability.HealthChecker,
	reg *prometheus.Registry,
	purge http.Handler,
) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	adminMux.Handle("/v1/cache/purge", purge)

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both listeners and blocks until ctx is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			return certErr
		}
		s.certs = ch
		// Serve on a pre-wrapped listener only negotiates what NextProtos
		// advertises.
		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(s.cfg),
			GetCertificate: ch.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		s.mainServer.TLSConfig = tlsCfg
		if s.http3Server != nil {
			s.http3Server.TLSConfig = http3.ConfigureTLSConfig(tlsCfg)
		}
	}

	errCh := make(chan error, 3)

	// readyCh is closed once the main listener has bound.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServer(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("keygate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gate server starting",
		"address", s.cfg.Server.Address,
		"origin", s.cfg.Origin.URL,
		"event_path", s.cfg.Server.EventPath,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gate server listen: %w", listenErr)
		return
	}
	close(readyCh)

	if s.mainServer.TLSConfig != nil {
		ln = tls.NewListener(ln, s.mainServer.TLSConfig)
	}
	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gate server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	if err := s.http3Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload applies a new configuration without restarting. Settings that need
// a restart are logged and left as they are.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config changes require a restart and were not applied", "fields", fields)
	}
	newCfg = newCfg.WithRunningRestartFields(s.cfg)

	if verifyTransportChanged(s.cfg.Verify, newCfg.Verify) {
		client, err := authorizer.NewClient(newCfg.Verify)
		if err != nil {
			return fmt.Errorf("reload authorizer client: %w", err)
		}
		s.gate.SwapVerifier(client)
		old := s.verifier
		s.verifier = client
		time.AfterFunc(old.Timeout()+verifierCloseGrace, func() { _ = old.Close() })
		s.logger.Info("authorizer client replaced", "transport", client.Transport(), "timeout", client.Timeout())
	}

	if originTuningChanged(s.cfg.Origin, newCfg.Origin) {
		rp, err := buildProxy(newCfg.Origin, s.logger)
		if err != nil {
			return err
		}
		s.gate.SetNext(rp)
		old := s.origin
		s.origin = rp
		old.Close()
		s.logger.Info("origin transport rebuilt")
	}

	s.gate.Reload(newCfg)

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	return nil
}

// verifyTransportChanged reports whether the authorizer client must be rebuilt.
func verifyTransportChanged(a, b config.VerifyConfig) bool {
	return a.HTTP != b.HTTP || a.GRPC != b.GRPC || a.Timeout != b.Timeout
}

// originTuningChanged ignores the URL, which needs a restart.
func originTuningChanged(a, b config.OriginConfig) bool {
	a.URL, b.URL = "", ""
	return a != b
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if err := s.gate.Close(); err != nil {
		s.logger.Error("gate close error", "error", err)
	}

	s.mu.Lock()
	if err := s.verifier.Close(); err != nil {
		s.logger.Error("authorizer client close error", "error", err)
	}
	s.origin.Close()
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("shared cache close error", "error", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete", "cached_keys", s.local.Len())
	return nil
}
