package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/companion-gateway/internal/auth"
	"github.com/nulpointcorp/companion-gateway/internal/cache"
	"github.com/nulpointcorp/companion-gateway/internal/metrics"
	"github.com/nulpointcorp/companion-gateway/internal/persist"
	"github.com/nulpointcorp/companion-gateway/internal/proxy"
	"github.com/nulpointcorp/companion-gateway/internal/ratelimit"
	"github.com/nulpointcorp/companion-gateway/internal/store"
	"github.com/nulpointcorp/companion-gateway/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is only required when STATE_MODE=redis; the store only when
// STORE_DRIVER is not "none".
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.StateMode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Store.Driver != store.DriverNone {
		s, err := store.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.store = s
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		a.log.Info("store connected", slog.String("driver", s.Driver()))
	}

	return nil
}

// initServices creates the metrics registry and the state backends.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	limits := ratelimit.Limits{
		PerMinute: a.cfg.RateLimit.PerMinute,
		PerHour:   a.cfg.RateLimit.PerHour,
	}

	// ── Rate limiter and cache backend ────────────────────────────────────────
	var backend cache.Cache
	switch a.cfg.StateMode {
	case "redis":
		a.limiter = ratelimit.NewRedisLimiter(a.rdb, limits)
		backend = cache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("state backend: redis")

	case "memory":
		// Zero external dependencies, not shared across replicas.
		a.memLimiter = ratelimit.NewMemoryLimiter(ctx, limits)
		a.limiter = a.memLimiter
		a.memCache = cache.NewMemoryCache(ctx)
		backend = a.memCache
		a.log.Info("state backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown state mode: %s", a.cfg.StateMode)
	}

	ttl := a.cfg.Cache.TTL
	if !a.cfg.CacheEnabled() {
		ttl = -1
		a.log.Info("reply cache disabled")
	}
	a.replies = cache.NewResponseCache(backend, ttl)

	// ── Best-effort persistence ───────────────────────────────────────────────
	if a.store != nil {
		w, err := persist.New(ctx, a.store, a.log, persist.WithObserver(a.prom.RecordPersist))
		if err != nil {
			return fmt.Errorf("persist: %w", err)
		}
		a.writer = w
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Identity provider ────────────────────────────────────────────────────
	verifier := auth.NewHTTPVerifier(a.cfg.Auth.URL,
		auth.WithAPIKey(a.cfg.Auth.APIKey),
		auth.WithTimeout(a.cfg.Auth.Timeout),
	)
	authn := auth.NewAuthenticator(verifier, a.log)

	// ── Upstream ─────────────────────────────────────────────────────────────
	upOpts := []upstream.Option{
		upstream.WithTimeout(a.cfg.Upstream.Timeout),
		upstream.WithMaxTokens(a.cfg.Upstream.MaxTokens),
		upstream.WithTemperature(a.cfg.Upstream.Temperature),
	}
	if a.cfg.Upstream.BaseURL != "" {
		upOpts = append(upOpts, upstream.WithBaseURL(a.cfg.Upstream.BaseURL))
	}
	client := upstream.New(upOpts...)

	keys := upstream.Keyring{
		Primary:      a.cfg.Upstream.PrimaryKey,
		Secondary:    a.cfg.Upstream.SecondaryKey,
		Legacy:       a.cfg.Upstream.LegacyKey,
		RotationDate: a.cfg.Upstream.RotationDate,
	}
	if keys.Empty() {
		return upstream.ErrNoCredential
	}
	if !keys.RotationDate.IsZero() {
		a.log.Info("key rotation scheduled",
			slog.String("date", keys.RotationDate.Format(upstream.RotationDateLayout)))
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	gw := proxy.NewGateway(a.baseCtx, authn, a.limiter, client, keys, proxy.GatewayOptions{
		Logger:          a.log,
		Metrics:         a.prom,
		UpstreamTimeout: a.cfg.Upstream.Timeout,
		DefaultModel:    a.cfg.Upstream.DefaultModel,
	})

	gw.SetCache(a.replies)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	if a.writer != nil {
		gw.SetPersister(a.writer)
	}

	// ── Health probes ────────────────────────────────────────────────────────
	var probes []proxy.Probe
	if a.rdb != nil {
		probes = append(probes, proxy.Probe{Name: "redis", Check: redisPinger(a.rdb), Required: true})
	} else {
		probes = append(probes, proxy.Probe{Name: "state", Required: true})
	}
	if a.store != nil {
		probes = append(probes, proxy.Probe{Name: "store", Check: a.store.Ping, Required: true})
	}
	a.health = proxy.NewHealthChecker(a.baseCtx, probes, a.prom)
	gw.SetHealthChecker(a.health)

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
