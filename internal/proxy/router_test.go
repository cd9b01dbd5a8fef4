package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/nulpointcorp/companion-gateway/internal/upstream"
	"github.com/valyala/fasthttp"
)

// --- handleHealth -----------------------------------------------------------

func TestHandleHealth_NoHealthChecker(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil, nil, upstream.Keyring{}, GatewayOptions{})

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var resp map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", resp["status"])
	}
}

func TestHandleHealth_WithChecker(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil, nil, upstream.Keyring{}, GatewayOptions{})
	hc := NewHealthChecker(context.Background(), []Probe{okProbe("limiter", true)}, nil)
	defer hc.Close()
	gw.SetHealthChecker(hc)

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("failed to parse health snapshot: %v", err)
	}
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if _, ok := snap.Components["limiter"]; !ok {
		t.Error("expected limiter in components map")
	}
}

// --- handleReadiness --------------------------------------------------------

func TestHandleReadiness(t *testing.T) {
	tests := []struct {
		name   string
		probes []Probe
		want   int
	}{
		{"healthy", []Probe{okProbe("redis", true)}, fasthttp.StatusOK},
		{"required down", []Probe{failingProbe("redis", true)}, fasthttp.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := NewGateway(context.Background(), nil, nil, nil, upstream.Keyring{}, GatewayOptions{})
			hc := NewHealthChecker(context.Background(), tt.probes, nil)
			defer hc.Close()
			gw.SetHealthChecker(hc)

			ctx := &fasthttp.RequestCtx{}
			gw.handleReadiness(ctx)

			if ctx.Response.StatusCode() != tt.want {
				t.Errorf("expected %d, got %d", tt.want, ctx.Response.StatusCode())
			}
		})
	}
}

// --- routing through the full handler ---------------------------------------

// OPTIONS is answered before authentication, rate limiting and upstream.
func TestRouter_PreflightNeverReachesPipeline(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodOptions, testToken, nil)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("preflight: status=%d body=%q", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS origin header missing")
	}
	if resp.Header.Get("Strict-Transport-Security") == "" {
		t.Error("security headers missing on preflight")
	}
	if env.verifier.calls.Load() != 0 {
		t.Error("preflight must not reach the identity provider")
	}
	if env.limiter.Len() != 0 {
		t.Error("preflight must not consume rate limit")
	}
	if len(env.completer.calls()) != 0 {
		t.Error("preflight must not reach upstream")
	}
}

func TestRouter_ErrorsCarryCORSAndSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.post(t, "", chatBody(t, "hi"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("error responses must carry CORS headers")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("error responses must carry security headers")
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodGet, "http://test/v1/embeddings", nil)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, testToken, chatBody(t, "hi"))

	req, _ := http.NewRequest(http.MethodGet, "http://test/metrics", nil)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "gateway_http_requests_total") {
		t.Error("metrics output missing request counter")
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
