// Package client is a Go client for the companion chat gateway.
//
// The gateway speaks the OpenAI chat-completion wire format, so the client
// is a thin layer over openai-go that authenticates with the caller's
// identity token instead of an API key. Every non-200 answer comes back as
// a *Error so callers can fall back to a canned reply.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// DefaultTimeout bounds one Chat call.
const DefaultTimeout = 60 * time.Second

// Message roles accepted by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one conversation message.
type Turn struct {
	Role    string
	Content string
}

// Completion is the assistant reply.
type Completion struct {
	ID      string
	Model   string
	Content string
	// Cached is true when the gateway answered from its reply cache.
	Cached bool

	PromptTokens     int64
	CompletionTokens int64
}

// Error is a non-200 gateway answer or a transport failure (Status 0).
type Error struct {
	Status  int
	Type    string
	Message string
	// RetryAfter is the Retry-After hint in seconds, 0 when absent.
	RetryAfter int

	err error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("gateway: %s", e.Message)
	}
	return fmt.Sprintf("gateway: %s (status=%d, type=%s)", e.Message, e.Status, e.Type)
}

func (e *Error) Unwrap() error { return e.err }

// Temporary reports whether retrying later may succeed.
func (e *Error) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client talks to one gateway deployment.
type Client struct {
	sdk     openai.Client
	baseURL string
	timeout time.Duration
	hc      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the underlying HTTP client. Its Timeout wins over
// WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// New creates a client for the gateway at baseURL, e.g.
// "https://chat.example.com". The /v1 suffix is added when missing.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{timeout: DefaultTimeout}
	for _, o := range opts {
		o(c)
	}

	base := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	c.baseURL = base + "/"

	hc := c.hc
	if hc == nil {
		hc = &http.Client{Timeout: c.timeout}
	}

	c.sdk = openai.NewClient(
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	)
	return c
}

// Chat sends the conversation on behalf of the user holding token. An empty
// model lets the gateway pick its default.
func (c *Client) Chat(ctx context.Context, token string, turns []Turn, model string) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: toMessages(turns),
	}

	var raw *http.Response
	resp, err := c.sdk.Chat.Completions.New(ctx, params,
		option.WithAPIKey(token),
		option.WithResponseInto(&raw),
	)
	if err != nil {
		return nil, toError(err)
	}

	out := &Completion{
		ID:               resp.ID,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	if raw != nil {
		out.Cached = raw.Header.Get("X-Cache") == "HIT"
	}
	return out, nil
}

func toMessages(turns []Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}

func toError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		e := &Error{
			Status:  apiErr.StatusCode,
			Type:    apiErr.Type,
			Message: apiErr.Message,
			err:     err,
		}
		if e.Type == "" {
			e.Type = typeForStatus(e.Status)
		}
		if e.Message == "" {
			e.Message = http.StatusText(e.Status)
		}
		if apiErr.Response != nil {
			if n, perr := strconv.Atoi(apiErr.Response.Header.Get("Retry-After")); perr == nil && n > 0 {
				e.RetryAfter = n
			}
		}
		return e
	}
	return &Error{Message: err.Error(), err: err}
}

func typeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		return "server_error"
	}
}
