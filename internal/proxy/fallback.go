package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/companion-gateway/internal/chat"
	"github.com/nulpointcorp/companion-gateway/internal/upstream"
)

// completeWithFallback calls upstream with the credential selected for the
// current date. If the upstream rejects that credential with 401 and a
// different secondary credential is configured, the call is retried exactly
// once with the secondary. Every other failure is returned as is.
func (g *Gateway) completeWithFallback(
	ctx context.Context,
	reqID string,
	turns []chat.Turn,
	model string,
) (*upstream.Completion, error) {
	key, err := g.keys.Select(g.now())
	if err != nil {
		return nil, err
	}

	resp, err := g.attempt(ctx, reqID, key, turns, model)
	if err == nil || !upstream.IsUnauthorized(err) {
		return resp, err
	}

	next, ok := g.keys.Fallback(key)
	if !ok {
		return nil, err
	}

	g.log.WarnContext(ctx, "key_fallback",
		slog.String("request_id", reqID),
		slog.String("from", string(key.Slot)),
		slog.String("to", string(next.Slot)),
	)
	if g.metrics != nil {
		g.metrics.RecordKeyFallback(string(key.Slot), string(next.Slot))
	}

	return g.attempt(ctx, reqID, next, turns, model)
}

// attempt performs one upstream call and records its outcome.
func (g *Gateway) attempt(
	ctx context.Context,
	reqID string,
	key upstream.Key,
	turns []chat.Turn,
	model string,
) (*upstream.Completion, error) {
	start := time.Now()
	resp, err := g.upstream.Complete(ctx, turns, model, key.Secret)
	dur := time.Since(start)

	outcome := classifyError(err)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(string(key.Slot), outcome, dur)
	}
	if err != nil {
		g.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("request_id", reqID),
			slog.String("credential", string(key.Slot)),
			slog.String("reason", outcome),
			slog.Int64("latency_ms", dur.Milliseconds()),
		)
	}
	return resp, err
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	if err == nil {
		return "success"
	}
	var ue *upstream.Error
	if errors.As(err, &ue) {
		if ue.HTTPStatus() == 0 {
			return ue.Type
		}
		return fmt.Sprintf("http_%d", ue.HTTPStatus())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}
