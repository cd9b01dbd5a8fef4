package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	openaiSDK "github.com/openai/openai-go/v3"
)

// Error is a failed upstream call. Message is for logs only and must not
// be returned to clients.
type Error struct {
	Status  int
	Type    string
	Message string
	// RetryAfter is the upstream Retry-After in seconds, 0 when absent.
	RetryAfter int

	err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: %s (status=%d, type=%s)", e.Message, e.Status, e.Type)
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus returns the upstream status, or 0 for transport failures.
func (e *Error) HTTPStatus() int { return e.Status }

// Unauthorized reports whether the upstream rejected the credential.
func (e *Error) Unauthorized() bool { return e.Status == http.StatusUnauthorized }

// IsUnauthorized reports whether err is an upstream 401.
func IsUnauthorized(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Unauthorized()
}

func toError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		ue := &Error{
			Status:  apierr.StatusCode,
			Type:    "api_error",
			Message: apierr.Error(),
			err:     err,
		}
		if apierr.Response != nil {
			ue.RetryAfter = parseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return ue
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Type: "timeout", Message: "upstream call timed out", err: err}
	}
	return &Error{Type: "transport", Message: err.Error(), err: err}
}

func parseRetryAfter(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
