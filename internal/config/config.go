// Package config handles loading and validation of keygate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// KEYGATE_ prefix:
//
//	verify.http.url → KEYGATE_VERIFY_HTTP_URL
//	cache.capacity  → KEYGATE_CACHE_CAPACITY
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via KEYGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/keygate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls the decision when the authorizer fails with an
// error that is neither a verdict nor a timeout.
type FailurePolicy string

const (
	FailurePolicyFailOpen   FailurePolicy = "failopen"
	FailurePolicyFailClosed FailurePolicy = "failclosed"
)

func (p FailurePolicy) Valid() bool {
	switch p {
	case FailurePolicyFailOpen, FailurePolicyFailClosed:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level keygate configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"       envPrefix:"SERVER_"`
	Admin       AdminConfig       `yaml:"admin"        envPrefix:"ADMIN_"`
	Origin      OriginConfig      `yaml:"origin"       envPrefix:"ORIGIN_"`
	Verify      VerifyConfig      `yaml:"verify"       envPrefix:"VERIFY_"`
	Cache       CacheConfig       `yaml:"cache"        envPrefix:"CACHE_"`
	SharedCache SharedCacheConfig `yaml:"shared_cache" envPrefix:"SHARED_CACHE_"`
	Events      EventsConfig      `yaml:"events"       envPrefix:"EVENTS_"`
	Logging     LoggingConfig     `yaml:"logging"      envPrefix:"LOGGING_"`
	Tracing     TracingConfig     `yaml:"tracing"      envPrefix:"TRACING_"`
}

// ServerConfig holds the main listener settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`

	// EventPath mounts the edge viewer-request event endpoint on the main
	// listener. Empty disables it.
	EventPath string `yaml:"event_path" env:"EVENT_PATH"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// OriginConfig defines the upstream that verified requests are proxied to.
type OriginConfig struct {
	URL               string          `yaml:"url"                      env:"URL"`
	Timeout           string          `yaml:"timeout"                  env:"TIMEOUT"`
	MaxIdleConns      int             `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout   string          `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	TLSInsecureVerify bool            `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
	Transport         TransportConfig `yaml:"transport"                envPrefix:"TRANSPORT_"`
}

// TransportConfig exposes the dial and HTTP/2 tuning knobs of the origin transport.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
}

// VerifyConfig holds the remote authorizer settings and the decision policy.
type VerifyConfig struct {
	HTTP          VerifyHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	GRPC          VerifyGRPCConfig `yaml:"grpc"           envPrefix:"GRPC_"`
	Timeout       string           `yaml:"timeout"        env:"TIMEOUT"`
	FailurePolicy FailurePolicy    `yaml:"failure_policy" env:"FAILURE_POLICY"`

	// BypassPaths are request paths exempt from verification (exact match).
	BypassPaths []string `yaml:"bypass_paths" env:"BYPASS_PATHS" envSeparator:","`
}

// VerifyHTTPConfig holds HTTP authorizer settings.
type VerifyHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// VerifyGRPCConfig holds gRPC authorizer settings. When Address is set the
// gRPC transport is used instead of HTTP.
type VerifyGRPCConfig struct {
	Address string        `yaml:"address" env:"ADDRESS"`
	TLS     GRPCTLSConfig `yaml:"tls"     envPrefix:"TLS_"`
}

// GRPCTLSConfig holds TLS settings for gRPC client connections.
type GRPCTLSConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	CAFile  string `yaml:"ca_file" env:"CA_FILE"`
}

// CacheConfig sizes the in-process verification cache.
type CacheConfig struct {
	Capacity int    `yaml:"capacity" env:"CAPACITY"`
	TTL      string `yaml:"ttl"      env:"TTL"`
}

// SharedCacheConfig enables an optional Redis tier behind the in-process
// cache so that verification outcomes are shared between instances.
type SharedCacheConfig struct {
	Enabled   bool        `yaml:"enabled"    env:"ENABLED"`
	KeyPrefix string      `yaml:"key_prefix" env:"KEY_PREFIX"`
	Redis     RedisConfig `yaml:"redis"      envPrefix:"REDIS_"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS"         envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
}

// EventsConfig holds optional decision event emission settings.
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// redactedPlaceholder is the string shown instead of secret values.
const redactedPlaceholder = "[REDACTED]"

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Reference values for the verification path.
const (
	DefaultVerifyURL     = "https://developers.nextzen.org/verify"
	DefaultVerifyTimeout = 750 * time.Millisecond
	DefaultCacheCapacity = 100
	DefaultCacheTTL      = time.Hour
)

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Origin: OriginConfig{
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			Transport: TransportConfig{
				DialTimeout:           "30s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
			},
		},
		Verify: VerifyConfig{
			HTTP:          VerifyHTTPConfig{URL: DefaultVerifyURL},
			Timeout:       DefaultVerifyTimeout.String(),
			FailurePolicy: FailurePolicyFailOpen,
			BypassPaths:   []string{"/preview.html"},
		},
		Cache: CacheConfig{
			Capacity: DefaultCacheCapacity,
			TTL:      DefaultCacheTTL.String(),
		},
		SharedCache: SharedCacheConfig{
			KeyPrefix: "kg:verify:",
			Redis: RedisConfig{
				Endpoints:    []string{"localhost:6379"},
				Mode:         RedisModeSingle,
				PoolSize:     10,
				DialTimeout:  "5s",
				ReadTimeout:  "3s",
				WriteTimeout: "3s",
			},
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "keygate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("KEYGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/keygate/config.yaml and
// can be overridden via KEYGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "KEYGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "failOpen"
// or env values like "FAILCLOSED" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Verify.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.Verify.FailurePolicy)))
	cfg.SharedCache.Redis.Mode = RedisMode(strings.ToLower(string(cfg.SharedCache.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))

	paths := cfg.Verify.BypassPaths[:0]
	for _, p := range cfg.Verify.BypassPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	cfg.Verify.BypassPaths = paths
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateOrigin(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateVerify(cfg); err != nil {
		return err
	}
	if err := validateCache(cfg); err != nil {
		return err
	}
	if err := validateSharedCache(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateOrigin(cfg *Config) error {
	if cfg.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	u, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return fmt.Errorf("invalid origin.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin.url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("origin.url must include a host")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name  string
		value string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"origin.timeout", cfg.Origin.Timeout},
		{"origin.idle_conn_timeout", cfg.Origin.IdleConnTimeout},
		{"verify.timeout", cfg.Verify.Timeout},
		{"cache.ttl", cfg.Cache.TTL},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if !cfg.Server.TLS.MinVersion.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", cfg.Server.TLS.MinVersion)
	}
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled")
	}
	return nil
}

func validateVerify(cfg *Config) error {
	if cfg.Verify.HTTP.URL == "" && cfg.Verify.GRPC.Address == "" {
		return fmt.Errorf("verify.http.url or verify.grpc.address is required")
	}
	if cfg.Verify.HTTP.URL != "" && cfg.Verify.GRPC.Address == "" {
		u, err := url.Parse(cfg.Verify.HTTP.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid verify.http.url %q", cfg.Verify.HTTP.URL)
		}
	}
	if fp := cfg.Verify.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid verify.failure_policy %q: must be failopen or failclosed", fp)
	}
	if d := MustParseDuration(cfg.Verify.Timeout, DefaultVerifyTimeout); d <= 0 {
		return fmt.Errorf("verify.timeout must be > 0")
	}
	for _, p := range cfg.Verify.BypassPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("verify.bypass_paths: %q must start with /", p)
		}
	}
	return nil
}

func validateCache(cfg *Config) error {
	if cfg.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be >= 1, got %d", cfg.Cache.Capacity)
	}
	if d := MustParseDuration(cfg.Cache.TTL, DefaultCacheTTL); d <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	return nil
}

func validateSharedCache(cfg *Config) error {
	if !cfg.SharedCache.Enabled {
		return nil
	}
	if cfg.SharedCache.Redis.Mode == "" {
		cfg.SharedCache.Redis.Mode = RedisModeSingle
	}
	return validateRedisConfig(cfg.SharedCache.Redis, "shared_cache.redis")
}

func validateRedisConfig(rc RedisConfig, prefix string) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q", prefix, rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", prefix)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("%s.endpoints: single mode requires exactly one endpoint, got %d", prefix, len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("%s.master_name is required for sentinel mode", prefix)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Server.EventPath != old.Server.EventPath {
		fields = append(fields, "server.event_path")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Origin.URL != old.Origin.URL {
		fields = append(fields, "origin.url")
	}
	if c.Cache.Capacity != old.Cache.Capacity {
		fields = append(fields, "cache.capacity")
	}
	if c.SharedCache.Enabled != old.SharedCache.Enabled {
		fields = append(fields, "shared_cache.enabled")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	return fields
}

// WithRunningRestartFields returns a copy of c whose restart-only fields
// (those RequiresRestart reports) hold running's values. A reload applies
// the copy, so a pending restart-only change stays pending and keeps being
// reported until the process restarts.
func (c *Config) WithRunningRestartFields(running *Config) *Config {
	applied := *c
	if running == nil {
		return &applied
	}
	applied.Server.Address = running.Server.Address
	applied.Server.EventPath = running.Server.EventPath
	applied.Admin.Address = running.Admin.Address
	applied.Origin.URL = running.Origin.URL
	applied.Cache.Capacity = running.Cache.Capacity
	applied.SharedCache.Enabled = running.SharedCache.Enabled
	applied.Server.TLS.Enabled = running.Server.TLS.Enabled
	applied.Server.TLS.HTTP3Enabled = running.Server.TLS.HTTP3Enabled
	return &applied
}
