// Package auth resolves the caller identity from the Authorization header.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrUnauthenticated is returned for a missing, malformed or rejected
// credential. Callers must not expose the wrapped detail to clients.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is the stable id of an authenticated caller.
type Identity string

// Verifier checks a bearer token with the identity provider.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// Authenticator turns Authorization headers into identities.
type Authenticator struct {
	verifier Verifier
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator. A nil logger uses slog.Default.
func NewAuthenticator(v Verifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: v, logger: logger}
}

// Authenticate extracts the bearer token from header and verifies it.
// Every failure is reported as ErrUnauthenticated. There are no retries.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (Identity, error) {
	token := ParseBearerToken(header)
	if token == "" {
		return "", ErrUnauthenticated
	}

	id, err := a.verifier.VerifyToken(ctx, token)
	if err != nil {
		a.logger.WarnContext(ctx, "auth_verify_failed", slog.String("error", err.Error()))
		return "", ErrUnauthenticated
	}
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// ParseBearerToken returns the token of a "Bearer <token>" header, or "".
// The scheme is matched case-insensitively.
func ParseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
