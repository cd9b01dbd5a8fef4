package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	defaultVerifyTimeout = 5 * time.Second
	userPath             = "/auth/v1/user"
)

// HTTPVerifier validates access tokens against the identity provider's
// user endpoint (GET {baseURL}/auth/v1/user).
type HTTPVerifier struct {
	client  *fasthttp.Client
	url     string
	apiKey  string
	timeout time.Duration
}

// HTTPOption configures an HTTPVerifier.
type HTTPOption func(*HTTPVerifier)

// WithAPIKey sets the project key sent in the apikey header.
func WithAPIKey(key string) HTTPOption {
	return func(v *HTTPVerifier) { v.apiKey = key }
}

// WithTimeout bounds each verification call.
func WithTimeout(d time.Duration) HTTPOption {
	return func(v *HTTPVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithClient replaces the underlying fasthttp client.
func WithClient(c *fasthttp.Client) HTTPOption {
	return func(v *HTTPVerifier) { v.client = c }
}

// NewHTTPVerifier creates a verifier for the provider at baseURL.
func NewHTTPVerifier(baseURL string, opts ...HTTPOption) *HTTPVerifier {
	v := &HTTPVerifier{
		client: &fasthttp.Client{
			Name:                "companion-gateway",
			MaxIdleConnDuration: 90 * time.Second,
			ReadTimeout:         defaultVerifyTimeout,
			WriteTimeout:        defaultVerifyTimeout,
		},
		url:     strings.TrimRight(baseURL, "/") + userPath,
		timeout: defaultVerifyTimeout,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

type userResponse struct {
	ID string `json:"id"`
}

// VerifyToken implements Verifier.
func (v *HTTPVerifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(v.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	deadline := time.Now().Add(v.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := v.client.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("auth: verify request: %w", err)
	}

	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return "", fmt.Errorf("auth: provider returned status %d", code)
	}

	var u userResponse
	if err := json.Unmarshal(resp.Body(), &u); err != nil {
		return "", fmt.Errorf("auth: decode user: %w", err)
	}
	if u.ID == "" {
		return "", fmt.Errorf("auth: provider returned no user id")
	}

	return Identity(u.ID), nil
}
