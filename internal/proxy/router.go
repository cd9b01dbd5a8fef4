package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the routed handler wrapped in the middleware chain. The
// chain is exposed so tests can serve it on an in-memory listener.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		securityHeaders,
		corsHandler(g.corsOrigins),
	)
}

func (g *Gateway) newServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		// Conversations are capped at 50 turns; 1 MiB is plenty.
		MaxRequestBodySize: 1 << 20,
	}
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks until the
// server stops.
func (g *Gateway) Start(addr string) error {
	return g.setServer().ListenAndServe(addr)
}

// Serve serves on an existing listener.
func (g *Gateway) Serve(ln net.Listener) error {
	return g.setServer().Serve(ln)
}

func (g *Gateway) setServer() *fasthttp.Server {
	srv := g.newServer()
	g.serverMu.Lock()
	g.server = srv
	g.serverMu.Unlock()
	return srv
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.serverMu.Lock()
	srv := g.server
	g.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
