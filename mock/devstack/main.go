// Command devstack runs lightweight HTTP mocks of the two services the
// gateway depends on, for local development and load testing without real
// credentials.
//
//	Identity provider       :19000
//	OpenAI chat completions :19001
//
// Point the gateway at them with
//
//	AUTH_URL=http://localhost:19000 OPENAI_BASE_URL=http://localhost:19001/v1
//
// Environment overrides:
//
//	PORT_IDENTITY, PORT_OPENAI
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS    artificial latency added to every completion (default 0)
//	MOCK_ERROR_RATE    fraction [0,1] of completions that return HTTP 500 (default 0)
//	MOCK_REPLY_WORDS   words in each reply (default 10)
//	MOCK_REVOKED_KEYS  comma-separated API keys answered with 401
//	MOCK_VALID_TOKENS  comma-separated identity tokens; empty accepts any token
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across the mock servers.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	ReplyWords  int
	RevokedKeys map[string]bool
	ValidTokens map[string]bool
}

func loadConfig() Config {
	c := Config{
		ReplyWords:  10,
		RevokedKeys: setFromList(os.Getenv("MOCK_REVOKED_KEYS")),
		ValidTokens: setFromList(os.Getenv("MOCK_VALID_TOKENS")),
	}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_REPLY_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ReplyWords = n
		}
	}
	return c
}

func setFromList(s string) map[string]bool {
	out := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = true
		}
	}
	return out
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock listening", slog.String("service", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("service", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting devstack",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("revoked_keys", len(cfg.RevokedKeys)),
	)

	servers := []*http.Server{
		startServer("identity", ":"+portFromEnv("PORT_IDENTITY", 19000), newIdentityHandler(cfg), log),
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down devstack")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("devstack stopped")
}
