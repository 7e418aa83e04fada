// Package redis builds go-redis clients for the shared verification tier in
// single, sentinel or cluster topology. Client exposes only the commands
// the shared tier and the readiness probe use.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/edgequota/keygate/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

type slogPrinter struct {
	logger *slog.Logger
}

func (p slogPrinter) Printf(ctx context.Context, format string, v ...interface{}) {
	p.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger redirects go-redis internal logs to logger. Call it once,
// before the first client is built.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(slogPrinter{logger: logger})
}

// Client is the subset of go-redis keygate needs.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Retries stay low: a miss on the shared tier only costs an authorizer call.
const (
	maxRetries      = 1
	minRetryBackoff = 8 * time.Millisecond
	maxRetryBackoff = 64 * time.Millisecond
	defaultPoolSize = 10
)

// NewClient builds the client for cfg.Mode and pings it once. An
// unreachable Redis is an error; the caller decides whether that is fatal.
func NewClient(cfg config.RedisConfig) (Client, error) {
	opts, err := universalOptions(cfg)
	if err != nil {
		return nil, err
	}

	mode := cfg.Mode
	if mode == "" {
		mode = config.RedisModeSingle
	}

	var c Client
	switch mode {
	case config.RedisModeSingle:
		c = goredis.NewClient(opts.Simple())
	case config.RedisModeSentinel:
		c = goredis.NewFailoverClient(opts.Failover())
	case config.RedisModeCluster:
		c = goredis.NewClusterClient(opts.Cluster())
	default:
		return nil, fmt.Errorf("unknown redis mode: %s", mode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*opts.DialTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%s: connect to %v: %w", mode, opts.Addrs, err)
	}
	return c, nil
}

func universalOptions(cfg config.RedisConfig) (*goredis.UniversalOptions, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}

	timeouts := []struct {
		name string
		raw  string
		def  time.Duration
		dst  time.Duration
	}{
		{name: "dial_timeout", raw: cfg.DialTimeout, def: 5 * time.Second},
		{name: "read_timeout", raw: cfg.ReadTimeout, def: 3 * time.Second},
		{name: "write_timeout", raw: cfg.WriteTimeout, def: 3 * time.Second},
	}
	for i := range timeouts {
		d, err := config.ParseDuration(timeouts[i].raw, timeouts[i].def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", timeouts[i].name, err)
		}
		timeouts[i].dst = d
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		tlsCfg = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // opt-in via config, warned at startup.
		}
	}

	return &goredis.UniversalOptions{
		Addrs:            cfg.Endpoints,
		MasterName:       cfg.MasterName,
		Username:         cfg.Username,
		Password:         cfg.Password.Value(),
		SentinelUsername: cfg.SentinelUsername,
		SentinelPassword: cfg.SentinelPassword.Value(),
		DB:               cfg.DB,
		PoolSize:         poolSize,
		DialTimeout:      timeouts[0].dst,
		ReadTimeout:      timeouts[1].dst,
		WriteTimeout:     timeouts[2].dst,
		MaxRetries:       maxRetries,
		MinRetryBackoff:  minRetryBackoff,
		MaxRetryBackoff:  maxRetryBackoff,
		TLSConfig:        tlsCfg,
	}, nil
}

var connectivityMarkers = []string{
	"connection refused", "connection reset", "broken pipe", "EOF",
	"no such host", "no route to host", "network is unreachable",
	"i/o timeout", "CLUSTERDOWN", "LOADING",
}

// IsConnectivityErr reports whether err means Redis could not be reached,
// as opposed to a command or encoding error. A canceled context is neither.
func IsConnectivityErr(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := err.Error()
	for _, m := range connectivityMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// WarnInsecureRedis logs when Redis TLS certificate verification is off.
func WarnInsecureRedis(cfgTLS config.RedisTLSConfig, logger *slog.Logger) {
	if cfgTLS.Enabled && cfgTLS.InsecureSkipVerify {
		logger.Warn("redis TLS certificate verification is disabled", "setting", "insecure_skip_verify")
	}
}
