// Package upstream calls the chat-completion API and selects the credential
// for each call.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/companion-gateway/internal/chat"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1/"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.8
)

// Usage is the token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Completion is the normalized reply of one upstream call.
type Completion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client performs single non-streaming completions. Generation parameters
// are fixed at construction.
type Client struct {
	sdk         openaiSDK.Client
	baseURL     string
	timeout     time.Duration
	maxTokens   int64
	temperature float64
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root, e.g. a mock server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/") + "/"
		}
	}
}

// WithTimeout bounds each call at the network level.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxTokens sets the completion length limit.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = int64(n)
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// New creates a Client. Credentials are supplied per call.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:     defaultBaseURL,
		timeout:     DefaultTimeout,
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}

	c.sdk = openaiSDK.NewClient(
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: c.timeout}),
		option.WithMaxRetries(0),
	)
	return c
}

// Complete sends turns to model using secret. Failures are returned as *Error.
func (c *Client) Complete(ctx context.Context, turns []chat.Turn, model, secret string) (*Completion, error) {
	if secret == "" {
		return nil, fmt.Errorf("upstream: %w", ErrNoCredential)
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model:       model,
		Messages:    toSDKMessages(turns),
		MaxTokens:   openaiSDK.Int(c.maxTokens),
		Temperature: openaiSDK.Float(c.temperature),
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params, option.WithAPIKey(secret))
	if err != nil {
		return nil, toError(err)
	}

	out := &Completion{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	return out, nil
}

func toSDKMessages(turns []chat.Turn) []openaiSDK.ChatCompletionMessageParamUnion {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case chat.RoleSystem:
			msgs = append(msgs, openaiSDK.SystemMessage(t.Content))
		case chat.RoleAssistant:
			msgs = append(msgs, openaiSDK.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openaiSDK.UserMessage(t.Content))
		}
	}
	return msgs
}
