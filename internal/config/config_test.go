package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv applies env overrides the same way Load() does.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "KEYGATE_"}))
}

// validDefaults returns Defaults() with the one required field filled in.
func validDefaults() *Config {
	cfg := Defaults()
	cfg.Origin.URL = "http://origin:8080"
	return cfg
}

func loadYAML(t *testing.T, content string) (*Config, error) {
	t.Helper()
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0o644))
	t.Setenv("KEYGATE_CONFIG_FILE", cfgFile)
	return Load()
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":9090", cfg.Admin.Address)
	assert.Equal(t, DefaultVerifyURL, cfg.Verify.HTTP.URL)
	assert.Equal(t, "750ms", cfg.Verify.Timeout)
	assert.Equal(t, FailurePolicyFailOpen, cfg.Verify.FailurePolicy)
	assert.Equal(t, []string{"/preview.html"}, cfg.Verify.BypassPaths)
	assert.Equal(t, 100, cfg.Cache.Capacity)
	assert.Equal(t, "1h0m0s", cfg.Cache.TTL)
	assert.Equal(t, time.Hour, MustParseDuration(cfg.Cache.TTL, 0))
	assert.False(t, cfg.SharedCache.Enabled)
	assert.Equal(t, "kg:verify:", cfg.SharedCache.KeyPrefix)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
	assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
	assert.Equal(t, "keygate", cfg.Tracing.ServiceName)
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses a full file", func(t *testing.T) {
		cfg, err := loadYAML(t, `
server:
  address: ":9999"
  event_path: "/_edge/viewer-request"
origin:
  url: "https://tiles.example.com"
verify:
  http:
    url: "https://auth.example.com/verify"
  timeout: "500ms"
  failure_policy: "failclosed"
  bypass_paths:
    - "/preview.html"
    - "/robots.txt"
cache:
  capacity: 500
  ttl: "10m"
logging:
  level: "debug"
  format: "text"
`)
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, "/_edge/viewer-request", cfg.Server.EventPath)
		assert.Equal(t, "https://tiles.example.com", cfg.Origin.URL)
		assert.Equal(t, "https://auth.example.com/verify", cfg.Verify.HTTP.URL)
		assert.Equal(t, "500ms", cfg.Verify.Timeout)
		assert.Equal(t, FailurePolicyFailClosed, cfg.Verify.FailurePolicy)
		assert.Equal(t, []string{"/preview.html", "/robots.txt"}, cfg.Verify.BypassPaths)
		assert.Equal(t, 500, cfg.Cache.Capacity)
		assert.Equal(t, "10m", cfg.Cache.TTL)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("missing file falls back to defaults plus env", func(t *testing.T) {
		t.Setenv("KEYGATE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
		t.Setenv("KEYGATE_ORIGIN_URL", "http://origin:8080")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 100, cfg.Cache.Capacity)
	})

	t.Run("rejects malformed YAML", func(t *testing.T) {
		_, err := loadYAML(t, "{{{")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("overrides scalar fields", func(t *testing.T) {
		cfg := validDefaults()
		t.Setenv("KEYGATE_VERIFY_TIMEOUT", "1s")
		t.Setenv("KEYGATE_CACHE_CAPACITY", "42")
		t.Setenv("KEYGATE_SHARED_CACHE_ENABLED", "true")
		t.Setenv("KEYGATE_TRACING_SAMPLE_RATE", "0.5")

		parseEnv(t, cfg)

		assert.Equal(t, "1s", cfg.Verify.Timeout)
		assert.Equal(t, 42, cfg.Cache.Capacity)
		assert.True(t, cfg.SharedCache.Enabled)
		assert.Equal(t, 0.5, cfg.Tracing.SampleRate)
	})

	t.Run("splits slice fields on commas", func(t *testing.T) {
		cfg := validDefaults()
		t.Setenv("KEYGATE_VERIFY_BYPASS_PATHS", "/preview.html,/status")
		t.Setenv("KEYGATE_SHARED_CACHE_REDIS_ENDPOINTS", "r1:6379,r2:6379")

		parseEnv(t, cfg)

		assert.Equal(t, []string{"/preview.html", "/status"}, cfg.Verify.BypassPaths)
		assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.SharedCache.Redis.Endpoints)
	})

	t.Run("env wins over YAML", func(t *testing.T) {
		t.Setenv("KEYGATE_CACHE_TTL", "5m")
		cfg, err := loadYAML(t, `
origin:
  url: "http://origin:8080"
cache:
  ttl: "30m"
  capacity: 7
`)
		require.NoError(t, err)
		assert.Equal(t, "5m", cfg.Cache.TTL)
		assert.Equal(t, 7, cfg.Cache.Capacity)
	})

	t.Run("rejects unparsable env values", func(t *testing.T) {
		t.Setenv("KEYGATE_CONFIG_FILE", "/nonexistent")
		t.Setenv("KEYGATE_ORIGIN_URL", "http://origin:8080")
		t.Setenv("KEYGATE_CACHE_CAPACITY", "lots")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing environment variables")
	})
}

func TestNormalize(t *testing.T) {
	cfg, err := loadYAML(t, `
origin:
  url: "http://origin:8080"
verify:
  failure_policy: "FailClosed"
  bypass_paths: [" /preview.html ", ""]
logging:
  level: "WARN"
  format: "Text"
server:
  tls:
    min_version: "TLS1.3"
`)
	require.NoError(t, err)

	assert.Equal(t, FailurePolicyFailClosed, cfg.Verify.FailurePolicy)
	assert.Equal(t, []string{"/preview.html"}, cfg.Verify.BypassPaths)
	assert.Equal(t, LogLevelWarn, cfg.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Logging.Format)
	assert.Equal(t, TLSVersion13, cfg.Server.TLS.MinVersion)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"missing origin", func(c *Config) { c.Origin.URL = "" }, "origin.url is required"},
		{"origin scheme", func(c *Config) { c.Origin.URL = "ftp://x" }, "scheme must be http or https"},
		{"origin host", func(c *Config) { c.Origin.URL = "http://" }, "must include a host"},
		{"no authorizer", func(c *Config) { c.Verify.HTTP.URL = "" }, "verify.http.url or verify.grpc.address"},
		{"grpc only", func(c *Config) { c.Verify.HTTP.URL = ""; c.Verify.GRPC.Address = "auth:9000" }, ""},
		{"bad verify url", func(c *Config) { c.Verify.HTTP.URL = "not a url" }, "invalid verify.http.url"},
		{"bad policy", func(c *Config) { c.Verify.FailurePolicy = "maybe" }, "invalid verify.failure_policy"},
		{"zero timeout", func(c *Config) { c.Verify.Timeout = "0s" }, "verify.timeout must be > 0"},
		{"bad timeout", func(c *Config) { c.Verify.Timeout = "soon" }, "invalid verify.timeout"},
		{"relative bypass", func(c *Config) { c.Verify.BypassPaths = []string{"preview.html"} }, "must start with /"},
		{"zero capacity", func(c *Config) { c.Cache.Capacity = 0 }, "cache.capacity must be >= 1"},
		{"negative ttl", func(c *Config) { c.Cache.TTL = "-1m" }, "cache.ttl must be > 0"},
		{"tls without cert", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file and server.tls.key_file"},
		{"http3 without tls", func(c *Config) { c.Server.TLS.HTTP3Enabled = true }, "http3_enabled requires"},
		{"bad tls version", func(c *Config) { c.Server.TLS.MinVersion = "1.0" }, "min_version"},
		{"shared cache sentinel", func(c *Config) {
			c.SharedCache.Enabled = true
			c.SharedCache.Redis.Mode = RedisModeSentinel
		}, "master_name is required"},
		{"shared cache single many", func(c *Config) {
			c.SharedCache.Enabled = true
			c.SharedCache.Redis.Endpoints = []string{"a:1", "b:2"}
		}, "single mode requires exactly one endpoint"},
		{"shared cache disabled ignores redis", func(c *Config) {
			c.SharedCache.Redis.Endpoints = nil
		}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "invalid logging.level"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnumValid(t *testing.T) {
	assert.True(t, FailurePolicyFailOpen.Valid())
	assert.True(t, FailurePolicyFailClosed.Valid())
	assert.False(t, FailurePolicy("").Valid())
	assert.True(t, RedisModeCluster.Valid())
	assert.False(t, RedisMode("replication").Valid())
	assert.True(t, TLSVersion("").Valid())
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	_, err = ParseDuration("nope", time.Second)
	assert.Error(t, err)

	assert.Equal(t, time.Second, MustParseDuration("nope", time.Second))
	assert.Equal(t, 750*time.Millisecond, MustParseDuration("750ms", time.Second))
}

func TestRedactedString(t *testing.T) {
	secret := RedactedString("hunter2")

	assert.Equal(t, "hunter2", secret.Value())
	assert.Equal(t, "[REDACTED]", secret.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", secret))
	assert.Equal(t, "", RedactedString("").String())

	data, err := json.Marshal(secret)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))
}

func TestRequiresRestart(t *testing.T) {
	old := validDefaults()

	t.Run("nil previous config", func(t *testing.T) {
		assert.Nil(t, validDefaults().RequiresRestart(nil))
	})

	t.Run("hot-reloadable fields", func(t *testing.T) {
		c := validDefaults()
		c.Verify.Timeout = "2s"
		c.Verify.BypassPaths = []string{"/x"}
		c.Cache.TTL = "5m"
		assert.Empty(t, c.RequiresRestart(old))
	})

	t.Run("restart fields", func(t *testing.T) {
		c := validDefaults()
		c.Cache.Capacity = 1000
		c.Origin.URL = "http://other:80"
		assert.ElementsMatch(t, []string{"cache.capacity", "origin.url"}, c.RequiresRestart(old))
	})
}

func TestWithRunningRestartFields(t *testing.T) {
	running := validDefaults()

	next := validDefaults()
	next.Server.Address = ":9999"
	next.Server.EventPath = "/edge"
	next.Admin.Address = ":9998"
	next.Origin.URL = "http://other:80"
	next.Origin.Timeout = "5s"
	next.Cache.Capacity = 1000
	next.Cache.TTL = "5m"
	next.SharedCache.Enabled = !running.SharedCache.Enabled
	next.Server.TLS.Enabled = !running.Server.TLS.Enabled
	next.Server.TLS.HTTP3Enabled = !running.Server.TLS.HTTP3Enabled
	require.Len(t, next.RequiresRestart(running), 8)

	applied := next.WithRunningRestartFields(running)
	assert.Empty(t, applied.RequiresRestart(running))
	assert.Equal(t, "5s", applied.Origin.Timeout)
	assert.Equal(t, "5m", applied.Cache.TTL)
	assert.Equal(t, "http://other:80", next.Origin.URL)
	assert.Len(t, next.RequiresRestart(applied), 8)
}
