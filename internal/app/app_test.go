package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/companion-gateway/internal/config"
	"github.com/nulpointcorp/companion-gateway/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeProviders starts an identity provider that accepts "good-token" and
// an OpenAI-compatible completion API. The returned counter tracks
// upstream calls.
func fakeProviders(t *testing.T) (authURL, upstreamURL string, upstreamCalls *atomic.Int64) {
	t.Helper()

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"user-1"}`))
	}))
	t.Cleanup(idp.Close)

	calls := &atomic.Int64{}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-app",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "hey there"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	t.Cleanup(api.Close)

	return idp.URL, api.URL + "/v1", calls
}

func baseConfig(authURL, upstreamURL string) *config.Config {
	return &config.Config{
		Port:        0,
		LogLevel:    "info",
		CORSOrigins: []string{"*"},
		Auth:        config.AuthConfig{URL: authURL, Timeout: 2 * time.Second},
		Upstream: config.UpstreamConfig{
			LegacyKey:    "sk-legacy",
			BaseURL:      upstreamURL,
			DefaultModel: "gpt-4o-mini",
			MaxTokens:    500,
			Temperature:  0.8,
			Timeout:      5 * time.Second,
		},
		StateMode: "memory",
		RateLimit: config.RateLimitConfig{PerMinute: 30, PerHour: 200},
		Cache:     config.CacheConfig{TTL: 5 * time.Minute},
		Store:     config.StoreConfig{Driver: store.DriverNone},
	}
}

// serve runs the app's gateway on an in-memory listener.
func serve(t *testing.T, a *App) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = a.Gateway().Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) { return ln.Dial() },
	}}
}

func post(t *testing.T, c *http.Client, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, "http://gw/v1/chat/completions", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

const helloBody = `{"messages":[{"role":"user","content":"Hello"}]}`

func TestNew_NilContext(t *testing.T) {
	//nolint:staticcheck
	if _, err := New(nil, &config.Config{}, nil, "test"); err == nil {
		t.Error("expected error for nil context")
	}
}

func TestApp_MemoryModeWithSQLiteStore(t *testing.T) {
	authURL, upstreamURL, calls := fakeProviders(t)
	cfg := baseConfig(authURL, upstreamURL)
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	cfg.Store = config.StoreConfig{Driver: store.DriverSQLite, DSN: dbPath}

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := serve(t, a)

	first := post(t, client, helloBody)
	second := post(t, client, helloBody)
	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.StatusCode, second.StatusCode)
	}
	if first.Header.Get("X-Cache") != "MISS" || second.Header.Get("X-Cache") != "HIT" {
		t.Errorf("X-Cache = %q then %q", first.Header.Get("X-Cache"), second.Header.Get("X-Cache"))
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
	if !a.health.ReadinessOK() {
		t.Error("app should be ready")
	}

	// Close flushes the writer into the store.
	a.Close()
	a.Close()

	s, err := store.Open(context.Background(), store.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	n, err := s.CountByUser(context.Background(), "user-1")
	if err != nil || n != 1 {
		t.Errorf("persisted = %d, %v; want 1", n, err)
	}
}

func TestApp_RedisMode(t *testing.T) {
	mr := miniredis.RunT(t)
	authURL, upstreamURL, calls := fakeProviders(t)
	cfg := baseConfig(authURL, upstreamURL)
	cfg.StateMode = "redis"
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.RateLimit.PerMinute = 2

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	client := serve(t, a)

	if resp := post(t, client, helloBody); resp.StatusCode != http.StatusOK {
		t.Fatalf("first: %d", resp.StatusCode)
	}
	if resp := post(t, client, helloBody); resp.Header.Get("X-Cache") != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", resp.Header.Get("X-Cache"))
	}
	resp := post(t, client, helloBody)
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Errorf("third: status=%d Retry-After=%q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}

	var sawCache, sawLimit bool
	for _, k := range mr.Keys() {
		sawCache = sawCache || strings.HasPrefix(k, "cache:")
		sawLimit = sawLimit || strings.HasPrefix(k, "ratelimit:")
	}
	if !sawCache || !sawLimit {
		t.Errorf("redis keys = %v, want cache and ratelimit entries", mr.Keys())
	}
}

func TestApp_CacheDisabled(t *testing.T) {
	authURL, upstreamURL, calls := fakeProviders(t)
	cfg := baseConfig(authURL, upstreamURL)
	cfg.Cache.TTL = 0

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	client := serve(t, a)

	post(t, client, helloBody)
	if resp := post(t, client, helloBody); resp.Header.Get("X-Cache") != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", resp.Header.Get("X-Cache"))
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", calls.Load())
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := baseConfig("http://127.0.0.1:1", "http://127.0.0.1:1/v1")
	cfg.StateMode = "redis"
	cfg.Redis.URL = "redis://127.0.0.1:1"

	if _, err := New(context.Background(), cfg, quietLogger(), "test"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestNew_NoCredential(t *testing.T) {
	cfg := baseConfig("http://127.0.0.1:1", "")
	cfg.Upstream.LegacyKey = ""

	if _, err := New(context.Background(), cfg, quietLogger(), "test"); err == nil {
		t.Fatal("expected error without an upstream credential")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	authURL, upstreamURL, _ := fakeProviders(t)
	a, err := New(context.Background(), baseConfig(authURL, upstreamURL), quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMigrate(t *testing.T) {
	cfg := baseConfig("", "")
	if err := Migrate(context.Background(), cfg, quietLogger()); err != nil {
		t.Errorf("no-op migrate: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "m.db")
	cfg.Store = config.StoreConfig{Driver: store.DriverSQLite, DSN: dbPath}
	if err := Migrate(context.Background(), cfg, quietLogger()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	s, err := store.Open(context.Background(), store.DriverSQLite, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.CountByUser(context.Background(), "nobody"); err != nil {
		t.Errorf("table should exist after migrate: %v", err)
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"redis://:secret@localhost:6379", "redis://***@localhost:6379"},
		{"redis://user:pw@host:6379/0", "redis://***@host:6379/0"},
		{"redis://localhost:6379", "redis://localhost:6379"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
