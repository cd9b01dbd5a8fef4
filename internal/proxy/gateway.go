// Package proxy is the chat request handler.
//
// The Gateway authenticates the caller, applies the per-identity rate limit,
// validates the conversation, answers from the reply cache when possible and
// otherwise calls the completion API with the selected credential. The
// assistant turn is persisted best-effort after a successful upstream call.
//
// Key design constraints:
//   - Rate-limit state is consumed before validation, so malformed requests
//     still count against the caller's quota.
//   - Client-facing error bodies never carry upstream or verification detail.
//   - Cache, persistence, health and metrics are optional and nil-safe.
//   - Upstream calls run under the gateway's base context with a timeout,
//     not under the request context, so a client disconnect does not abort
//     them.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/companion-gateway/internal/auth"
	"github.com/nulpointcorp/companion-gateway/internal/cache"
	"github.com/nulpointcorp/companion-gateway/internal/chat"
	"github.com/nulpointcorp/companion-gateway/internal/metrics"
	"github.com/nulpointcorp/companion-gateway/internal/ratelimit"
	"github.com/nulpointcorp/companion-gateway/internal/store"
	"github.com/nulpointcorp/companion-gateway/internal/upstream"
	"github.com/nulpointcorp/companion-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	routeChat = "chat_completions"
)

// Completer performs one upstream completion with the given secret.
type Completer interface {
	Complete(ctx context.Context, turns []chat.Turn, model, secret string) (*upstream.Completion, error)
}

// Persister accepts messages for asynchronous storage.
type Persister interface {
	Enqueue(m store.Message) bool
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// UpstreamTimeout bounds each upstream attempt. Default: 30s.
	UpstreamTimeout time.Duration

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// Clock replaces time.Now for credential selection.
	Clock func() time.Time
}

// Gateway is the request handler. All dependencies are injected so they can
// be replaced with doubles in tests.
type Gateway struct {
	authn    *auth.Authenticator
	limiter  ratelimit.Limiter
	upstream Completer
	keys     upstream.Keyring

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	upstreamTimeout time.Duration
	defaultModel    string

	// Optional dependencies. Nil-safe when not configured.
	cache   *cache.ResponseCache
	persist Persister
	health  *HealthChecker

	flight singleflight.Group

	// CORS allowed origins. Empty or ["*"] means allow all.
	corsOrigins []string

	serverMu sync.Mutex
	server   *fasthttp.Server
}

// NewGateway creates a Gateway. authn, limiter and up are required.
func NewGateway(
	baseCtx context.Context,
	authn *auth.Authenticator,
	limiter ratelimit.Limiter,
	up Completer,
	keys upstream.Keyring,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = upstream.DefaultTimeout
	}

	model := opts.DefaultModel
	if model == "" {
		model = chat.DefaultModel
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Gateway{
		authn:           authn,
		limiter:         limiter,
		upstream:        up,
		keys:            keys,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		now:             now,
		upstreamTimeout: timeout,
		defaultModel:    model,
	}
}

// SetCache injects the reply cache.
func (g *Gateway) SetCache(c *cache.ResponseCache) {
	g.cache = c
}

// SetPersister injects the best-effort message sink.
func (g *Gateway) SetPersister(p Persister) {
	g.persist = p
}

// SetHealthChecker injects the dependency health checker used by
// /health and /readiness.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) {
	g.health = hc
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// ── Response envelope ─────────────────────────────────────────────────────────

type (
	outboundUsage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// reply is the outcome of one upstream completion shared by every request
// waiting on the same flight.
type reply struct {
	body       []byte
	completion *upstream.Completion
}

func encodeReply(c *upstream.Completion, model string, created time.Time) ([]byte, error) {
	if c.Model != "" {
		model = c.Model
	}
	return json.Marshal(outboundResponse{
		ID:      c.ID,
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: string(chat.RoleAssistant), Content: c.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
			TotalTokens:      c.Usage.PromptTokens + c.Usage.CompletionTokens,
		},
	})
}

// dispatchChat runs the request state machine for POST /v1/chat/completions.
// OPTIONS preflight is answered by the CORS middleware and never reaches it.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, ctx.Response.StatusCode(), time.Since(start),
			reqBytes, len(ctx.Response.Body()))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate.
	identity, err := g.authn.Authenticate(ctx, string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
	if g.metrics != nil {
		g.metrics.RecordAuth(err == nil)
	}
	if err != nil {
		g.log.InfoContext(ctx, "auth_rejected", slog.String("request_id", reqID))
		apierr.WriteUnauthenticated(ctx)
		return
	}

	// 2. Rate limit. Consumed before validation.
	decision, err := g.limiter.Allow(ctx, string(identity))
	if err != nil {
		g.log.WarnContext(ctx, "rate_limit_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
	}
	if !decision.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("rejected", string(decision.Window))
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("identity", string(identity)),
			slog.String("window", string(decision.Window)),
			slog.Int("retry_after", decision.RetryAfter),
		)
		apierr.WriteRateLimit(ctx, decision.RetryAfter)
		return
	}
	if g.metrics != nil {
		result := "allowed"
		if err != nil {
			result = "error"
		}
		g.metrics.RecordRateLimit(result, "")
	}

	// 3. Validate.
	req, err := chat.ParseRequest(ctx.PostBody(), g.defaultModel)
	if err != nil {
		g.log.InfoContext(ctx, "invalid_request",
			slog.String("request_id", reqID),
			slog.String("identity", string(identity)),
			slog.String("error", err.Error()),
		)
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("identity", string(identity)),
		slog.String("model", req.Model),
		slog.Int("turns", len(req.Messages)),
	)

	// 4. Cache lookup.
	if body, ok := g.cache.Lookup(ctx, req.Messages); ok {
		if g.metrics != nil {
			g.metrics.CacheGetHit()
		}
		g.log.DebugContext(ctx, "cache_hit",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
		)
		writeReply(ctx, body, xCacheHIT)
		return
	}
	if g.metrics != nil && g.cache.Enabled() {
		g.metrics.CacheGetMiss()
	}

	// 5. Upstream call, cache store.
	rep, shared, err := g.completeShared(reqID, req)
	if err != nil {
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("identity", string(identity)),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleUpstreamError(ctx, err)
		return
	}
	if shared && g.metrics != nil {
		g.metrics.CacheGetShared()
	}

	// 6. Persist the assistant turn. Never affects the response.
	g.persistReply(ctx, reqID, identity, req.Model, rep.completion)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Int64("prompt_tokens", rep.completion.Usage.PromptTokens),
		slog.Int64("completion_tokens", rep.completion.Usage.CompletionTokens),
		slog.Bool("shared", shared),
		slog.Duration("elapsed", time.Since(start)),
	)

	writeReply(ctx, rep.body, xCacheMISS)
}

// completeShared calls upstream, collapsing concurrent misses for the same
// cache key into one call when caching is enabled. The returned bool reports
// whether the result came from another request's call.
func (g *Gateway) completeShared(reqID string, req *chat.Request) (*reply, bool, error) {
	if !g.cache.Enabled() {
		rep, err := g.complete(reqID, req)
		return rep, false, err
	}

	key := cache.Fingerprint(req.Messages) + "|" + req.Model
	v, err, shared := g.flight.Do(key, func() (any, error) {
		return g.complete(reqID, req)
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*reply), shared, nil
}

func (g *Gateway) complete(reqID string, req *chat.Request) (*reply, error) {
	upCtx, cancel := context.WithTimeout(g.baseCtx, g.upstreamTimeout)
	defer cancel()

	c, err := g.completeWithFallback(upCtx, reqID, req.Messages, req.Model)
	if err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.AddTokens(req.Model, c.Usage.PromptTokens, c.Usage.CompletionTokens)
	}

	body, err := encodeReply(c, req.Model, g.now())
	if err != nil {
		return nil, err
	}

	if g.cache.Enabled() {
		if err := g.cache.Store(upCtx, req.Messages, body, 0); err != nil {
			g.log.WarnContext(upCtx, "cache_store_failed",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	return &reply{body: body, completion: c}, nil
}

func (g *Gateway) persistReply(ctx context.Context, reqID string, identity auth.Identity, model string, c *upstream.Completion) {
	if g.persist == nil {
		return
	}
	if c.Model != "" {
		model = c.Model
	}
	ok := g.persist.Enqueue(store.Message{
		UserID:    string(identity),
		Role:      string(chat.RoleAssistant),
		Content:   c.Content,
		Model:     model,
		CreatedAt: g.now().UTC(),
	})
	if !ok {
		g.log.WarnContext(ctx, "persist_dropped",
			slog.String("request_id", reqID),
			slog.String("identity", string(identity)),
		)
	}
}

func writeReply(ctx *fasthttp.RequestCtx, body []byte, xCache string) {
	ctx.Response.Header.Set("X-Cache", xCache)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleUpstreamError maps a failed completion to a client response.
//
//	*upstream.Error with 400/401/403/429 → mirrored (401/403 as 401)
//	everything else                       → 500
//
// The upstream message is never written to the client.
func handleUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		apierr.WriteUpstreamError(ctx, ue.HTTPStatus(), ue.RetryAfter)
		return
	}
	apierr.WriteInternal(ctx)
}
