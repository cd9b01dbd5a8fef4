package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setupEnv isolates a test in an empty working directory with the minimal
// required variables set.
func setupEnv(t *testing.T, env map[string]string) {
	t.Helper()
	t.Chdir(t.TempDir())

	base := map[string]string{
		"AUTH_URL":       "https://id.example.com/",
		"OPENAI_API_KEY": "sk-legacy",
	}
	for k, v := range env {
		base[k] = v
	}
	for k, v := range base {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setupEnv(t, nil)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.LogLevel != "info" {
		t.Errorf("port=%d level=%s", cfg.Port, cfg.LogLevel)
	}
	if cfg.Auth.URL != "https://id.example.com" {
		t.Errorf("auth URL = %q, trailing slash should be trimmed", cfg.Auth.URL)
	}
	if cfg.Auth.Timeout != 5*time.Second || cfg.Upstream.Timeout != 30*time.Second {
		t.Errorf("timeouts = %v / %v", cfg.Auth.Timeout, cfg.Upstream.Timeout)
	}
	if cfg.Upstream.DefaultModel != "gpt-4o-mini" || cfg.Upstream.MaxTokens != 500 || cfg.Upstream.Temperature != 0.8 {
		t.Errorf("upstream defaults = %+v", cfg.Upstream)
	}
	if cfg.StateMode != "memory" || cfg.Store.Driver != "none" {
		t.Errorf("state=%s store=%s", cfg.StateMode, cfg.Store.Driver)
	}
	if cfg.RateLimit.PerMinute != 30 || cfg.RateLimit.PerHour != 200 {
		t.Errorf("rate limits = %+v", cfg.RateLimit)
	}
	if cfg.Cache.TTL != 5*time.Minute || !cfg.CacheEnabled() {
		t.Errorf("cache TTL = %v", cfg.Cache.TTL)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORS = %v", cfg.CORSOrigins)
	}
	if !cfg.Upstream.RotationDate.IsZero() {
		t.Error("rotation date should be zero when unset")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setupEnv(t, map[string]string{
		"OPENAI_API_KEY":           "",
		"OPENAI_API_KEY_PRIMARY":   "sk-p",
		"OPENAI_API_KEY_SECONDARY": "sk-s",
		"KEY_ROTATION_DATE":        "2025-03-01",
		"STATE_MODE":               "REDIS",
		"REDIS_URL":                "redis://localhost:6379/0",
		"RATE_LIMIT_PER_MINUTE":    "10",
		"CACHE_TTL":                "0",
		"CORS_ORIGINS":             "https://a.example.com, https://b.example.com",
		"STORE_DRIVER":             "sqlite",
		"STORE_DSN":                "file:chat.db",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if !cfg.Upstream.RotationDate.Equal(want) {
		t.Errorf("rotation date = %v, want %v", cfg.Upstream.RotationDate, want)
	}
	if cfg.StateMode != "redis" {
		t.Errorf("state mode = %q", cfg.StateMode)
	}
	if cfg.RateLimit.PerMinute != 10 {
		t.Errorf("per minute = %d", cfg.RateLimit.PerMinute)
	}
	if cfg.CacheEnabled() {
		t.Error("CACHE_TTL=0 should disable the cache")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("CORS = %v", cfg.CORSOrigins)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	setupEnv(t, nil)
	yaml := "port: 9090\ndefault_model: gpt-4o\n"
	if err := os.WriteFile("config.yaml", []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 || cfg.Upstream.DefaultModel != "gpt-4o" {
		t.Errorf("port=%d model=%s", cfg.Port, cfg.Upstream.DefaultModel)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing auth url", map[string]string{"AUTH_URL": ""}, "AUTH_URL"},
		{"no credential", map[string]string{"OPENAI_API_KEY": ""}, "upstream credential"},
		{"bad state mode", map[string]string{"STATE_MODE": "disk"}, "STATE_MODE"},
		{"redis without url", map[string]string{"STATE_MODE": "redis"}, "REDIS_URL"},
		{"bad store driver", map[string]string{"STORE_DRIVER": "mongo"}, "STORE_DRIVER"},
		{"store without dsn", map[string]string{"STORE_DRIVER": "postgres"}, "STORE_DSN"},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"bad rotation date", map[string]string{"KEY_ROTATION_DATE": "03/01/2025"}, "KEY_ROTATION_DATE"},
		{"zero rate limit", map[string]string{"RATE_LIMIT_PER_HOUR": "0"}, "rate limits"},
		{"negative ttl", map[string]string{"CACHE_TTL": "-1m"}, "CACHE_TTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupEnv(t, tt.env)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
	if err := loadDotEnv(dir); err == nil {
		t.Error("directory should be rejected")
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("COMPANION_GATEWAY_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("COMPANION_GATEWAY_DOTENV_PROBE") })

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("COMPANION_GATEWAY_DOTENV_PROBE"); got != "loaded" {
		t.Errorf("env = %q, want loaded", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"a, b", "c", " ", ""})
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("splitList = %v", got)
	}
}
