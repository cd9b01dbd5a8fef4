// Package apierr provides structured API error types and HTTP status mapping
// for the chat gateway.
//
// Error bodies only ever carry a coarse category and the numeric status.
// Upstream error text, verification failures and stack traces stay in the
// server logs.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeUnauthenticated   = "unauthenticated"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidRequest    = "invalid_request"
	CodeUpstreamError     = "upstream_error"
	CodeInternalError     = "internal_error"
)

// DefaultRetryAfter is sent with upstream 429s that carry no usable hint.
const DefaultRetryAfter = 60

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Status  int    `json:"status"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
		Status:  status,
	}})
	ctx.SetBody(body)
}

// WriteUnauthenticated writes the single 401 used for every auth failure.
func WriteUnauthenticated(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "authentication required",
		TypeAuthenticationErr, CodeUnauthenticated)
}

// WriteRateLimit writes a 429 with the given Retry-After in seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded",
		TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInvalidRequest writes a 400. msg must not echo request content.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteInternal writes a generic 500.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error",
		TypeServerError, CodeInternalError)
}

// WriteUpstreamError maps an upstream HTTP status to the gateway response.
//
//	Upstream 400       → 400
//	Upstream 401, 403  → 401 (credential problem on our side, reported as auth)
//	Upstream 429       → 429 + Retry-After
//	Anything else      → 500
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus, retryAfter int) {
	switch upstreamStatus {
	case fasthttp.StatusBadRequest:
		Write(ctx, fasthttp.StatusBadRequest, "upstream rejected the request",
			TypeInvalidRequest, CodeUpstreamError)
	case fasthttp.StatusUnauthorized, fasthttp.StatusForbidden:
		Write(ctx, fasthttp.StatusUnauthorized, "upstream authentication failed",
			TypeAuthenticationErr, CodeUpstreamError)
	case fasthttp.StatusTooManyRequests:
		if retryAfter < 1 {
			retryAfter = DefaultRetryAfter
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
		Write(ctx, fasthttp.StatusTooManyRequests, "upstream rate limit exceeded",
			TypeRateLimitError, CodeRateLimitExceeded)
	default:
		Write(ctx, fasthttp.StatusInternalServerError, "upstream request failed",
			TypeServerError, CodeUpstreamError)
	}
}
