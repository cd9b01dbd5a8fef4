// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. A .env file, when
// present, is loaded into the process environment first. Environment
// variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// AUTH_URL and at least one upstream credential are required. Redis is
// optional: STATE_MODE=memory keeps rate-limit and cache state in process.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// RotationDateLayout is the format of KEY_ROTATION_DATE.
const RotationDateLayout = "2006-01-02"

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	Auth     AuthConfig
	Upstream UpstreamConfig

	// StateMode selects where rate-limit and cache state live:
	//   "memory": in-process maps. Not shared across replicas.
	//   "redis": Redis (requires REDIS_URL).
	// Default: "memory".
	StateMode string

	// Redis holds the connection URL used when StateMode is "redis".
	Redis RedisConfig

	RateLimit RateLimitConfig
	Cache     CacheConfig
	Store     StoreConfig
}

// AuthConfig configures the identity provider.
type AuthConfig struct {
	// URL is the identity provider base URL. Tokens are verified with
	// GET {URL}/auth/v1/user. Required.
	URL string

	// APIKey is sent as the apikey header. Optional.
	APIKey string

	// Timeout bounds one verification call. Default: 5s.
	Timeout time.Duration
}

// UpstreamConfig configures the completion API and its credentials.
type UpstreamConfig struct {
	// LegacyKey is the single pre-rotation credential (OPENAI_API_KEY).
	LegacyKey string

	// PrimaryKey and SecondaryKey are the rotation credentials. Secondary
	// is preferred from RotationDate on.
	PrimaryKey   string
	SecondaryKey string

	// RotationDate is the UTC midnight of KEY_ROTATION_DATE. Zero when unset.
	RotationDate time.Time

	// BaseURL overrides the API endpoint. Useful for local mocks.
	BaseURL string

	// DefaultModel is used when a request names no model. Default: gpt-4o-mini.
	DefaultModel string

	// MaxTokens and Temperature are fixed generation parameters.
	// Defaults: 500 and 0.8.
	MaxTokens   int
	Temperature float64

	// Timeout is the network timeout for one call. Default: 30s.
	Timeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls per-identity rate limiting.
type RateLimitConfig struct {
	// PerMinute is the fixed-window limit per minute. Default: 30.
	PerMinute int
	// PerHour is the fixed-window limit per hour. Default: 200.
	PerHour int
}

// CacheConfig controls the reply cache.
type CacheConfig struct {
	// TTL is how long a cached reply stays valid. 0 disables caching.
	// Default: 5m.
	TTL time.Duration
}

// StoreConfig selects where assistant turns are persisted.
type StoreConfig struct {
	// Driver is one of: none, postgres, sqlite, clickhouse. Default: none.
	Driver string
	// DSN is the driver-specific data source name.
	DSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("AUTH_TIMEOUT", "5s")

	v.SetDefault("DEFAULT_MODEL", "gpt-4o-mini")
	v.SetDefault("MAX_TOKENS", 500)
	v.SetDefault("TEMPERATURE", 0.8)
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")

	v.SetDefault("STATE_MODE", "memory")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 30)
	v.SetDefault("RATE_LIMIT_PER_HOUR", 200)
	v.SetDefault("CACHE_TTL", "5m")

	v.SetDefault("STORE_DRIVER", "none")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CORSOrigins: splitList(v.GetStringSlice("CORS_ORIGINS")),

		Auth: AuthConfig{
			URL:     strings.TrimRight(v.GetString("AUTH_URL"), "/"),
			APIKey:  v.GetString("AUTH_API_KEY"),
			Timeout: v.GetDuration("AUTH_TIMEOUT"),
		},

		Upstream: UpstreamConfig{
			LegacyKey:    v.GetString("OPENAI_API_KEY"),
			PrimaryKey:   v.GetString("OPENAI_API_KEY_PRIMARY"),
			SecondaryKey: v.GetString("OPENAI_API_KEY_SECONDARY"),
			BaseURL:      v.GetString("OPENAI_BASE_URL"),
			DefaultModel: v.GetString("DEFAULT_MODEL"),
			MaxTokens:    v.GetInt("MAX_TOKENS"),
			Temperature:  v.GetFloat64("TEMPERATURE"),
			Timeout:      v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		StateMode: strings.ToLower(v.GetString("STATE_MODE")),
		Redis:     RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			PerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
			PerHour:   v.GetInt("RATE_LIMIT_PER_HOUR"),
		},

		Cache: CacheConfig{TTL: v.GetDuration("CACHE_TTL")},

		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("STORE_DRIVER")),
			DSN:    v.GetString("STORE_DSN"),
		},
	}

	if d := strings.TrimSpace(v.GetString("KEY_ROTATION_DATE")); d != "" {
		t, err := time.ParseInLocation(RotationDateLayout, d, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("config: invalid KEY_ROTATION_DATE %q; expected YYYY-MM-DD", d)
		}
		cfg.Upstream.RotationDate = t
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Auth.URL == "" {
		return errors.New("config: AUTH_URL is required")
	}

	if !c.HasUpstreamKey() {
		return errors.New(
			"config: an upstream credential is required " +
				"(OPENAI_API_KEY, OPENAI_API_KEY_PRIMARY or OPENAI_API_KEY_SECONDARY)",
		)
	}

	switch c.StateMode {
	case "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid STATE_MODE %q; must be one of: memory, redis",
			c.StateMode,
		)
	}

	// Redis URL is required when state lives in Redis.
	if c.StateMode == "redis" && c.Redis.URL == "" {
		return errors.New(
			"config: REDIS_URL is required when STATE_MODE=redis; " +
				"set STATE_MODE=memory to keep state in process",
		)
	}

	switch c.Store.Driver {
	case "none":
	case "postgres", "sqlite", "clickhouse":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: STORE_DSN is required when STORE_DRIVER=%s", c.Store.Driver)
		}
	default:
		return fmt.Errorf(
			"config: invalid STORE_DRIVER %q; must be one of: none, postgres, sqlite, clickhouse",
			c.Store.Driver,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.PerMinute < 1 || c.RateLimit.PerHour < 1 {
		return fmt.Errorf("config: rate limits must be ≥ 1, got %d/min and %d/hour",
			c.RateLimit.PerMinute, c.RateLimit.PerHour)
	}
	if c.Cache.TTL < 0 {
		return errors.New("config: CACHE_TTL must not be negative")
	}
	if c.Upstream.Timeout <= 0 {
		return errors.New("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.Auth.Timeout <= 0 {
		return errors.New("config: AUTH_TIMEOUT must be a positive duration")
	}
	if c.Upstream.MaxTokens < 1 {
		return fmt.Errorf("config: MAX_TOKENS must be ≥ 1, got %d", c.Upstream.MaxTokens)
	}

	return nil
}

// HasUpstreamKey returns true if at least one upstream credential is set.
func (c *Config) HasUpstreamKey() bool {
	return c.Upstream.LegacyKey != "" ||
		c.Upstream.PrimaryKey != "" ||
		c.Upstream.SecondaryKey != ""
}

// CacheEnabled reports whether replies are cached.
func (c *Config) CacheEnabled() bool {
	return c.Cache.TTL > 0
}

// splitList flattens comma-separated entries. Env values arrive as one
// string which viper only splits on whitespace.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
