// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra: external connections (Redis and the message store when configured)
//  2. initServices: metrics registry, rate limiter, reply cache, persistence writer
//  3. initGateway: identity verifier, upstream client, keyring, health probes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/companion-gateway/internal/cache"
	"github.com/nulpointcorp/companion-gateway/internal/config"
	"github.com/nulpointcorp/companion-gateway/internal/metrics"
	"github.com/nulpointcorp/companion-gateway/internal/persist"
	"github.com/nulpointcorp/companion-gateway/internal/proxy"
	"github.com/nulpointcorp/companion-gateway/internal/ratelimit"
	"github.com/nulpointcorp/companion-gateway/internal/store"
)

// shutdownTimeout bounds how long Run waits for in-flight requests.
const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb   *redis.Client
	store *store.SQLStore

	prom *metrics.Registry

	limiter    ratelimit.Limiter
	memLimiter *ratelimit.MemoryLimiter
	replies    *cache.ResponseCache
	memCache   *cache.MemoryCache
	writer     *persist.Writer

	health *proxy.HealthChecker
	gw     *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Gateway returns the configured request handler.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. In-flight requests get shutdownTimeout to finish, then the app is
// closed.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("state_mode", a.cfg.StateMode),
		slog.String("store_driver", a.cfg.Store.Driver),
		slog.Bool("cache_enabled", a.replies.Enabled()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(shutCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.health != nil {
		a.health.Close()
	}
	// The writer drains into the store, so it closes first.
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.log.Error("persist writer close error", slog.String("error", err.Error()))
		}
		a.log.Info("persist writer closed",
			slog.Int64("written", a.writer.Written()),
			slog.Int64("failed", a.writer.Failed()),
			slog.Int64("dropped", a.writer.Dropped()),
		)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if a.memCache != nil {
		a.memCache.Close()
	}
	if a.memLimiter != nil {
		a.memLimiter.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}

// Migrate opens the configured store and creates its schema. It is a no-op
// when no store driver is configured.
func Migrate(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.Store.Driver == store.DriverNone {
		log.Info("no store configured; nothing to migrate")
		return nil
	}

	s, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		return err
	}
	log.Info("store migrated", slog.String("driver", cfg.Store.Driver))
	return nil
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a probe function suitable for the HealthChecker.
// Reuses the existing client.
func redisPinger(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
