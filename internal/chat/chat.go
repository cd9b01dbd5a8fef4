// Package chat holds the conversation types shared by the gateway packages.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role is the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxTurns is the largest conversation accepted in one request.
const MaxTurns = 50

// DefaultModel is used when a request names no model.
const DefaultModel = "gpt-4o-mini"

// Turn is one message of a conversation. Order is significant and is
// forwarded upstream unchanged.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the inbound request body.
type Request struct {
	Messages []Turn `json:"messages"`
	Model    string `json:"model"`
}

// Validation errors. Messages are safe to return to clients.
var (
	ErrNotArray     = errors.New("'messages' must be an array")
	ErrEmpty        = errors.New("'messages' must not be empty")
	ErrTooManyTurns = fmt.Errorf("'messages' must contain at most %d items", MaxTurns)
	ErrInvalidTurn  = errors.New("each message needs a role of system, user or assistant and string content")
	ErrInvalidBody  = errors.New("request body must be a JSON object")
)

// ParseRequest decodes and validates a request body. An absent model is
// replaced by defaultModel, or DefaultModel when that is empty too.
func ParseRequest(body []byte, defaultModel string) (*Request, error) {
	var raw struct {
		Messages json.RawMessage `json:"messages"`
		Model    string          `json:"model"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ErrInvalidBody
	}

	if len(raw.Messages) == 0 || raw.Messages[0] != '[' {
		return nil, ErrNotArray
	}

	var turns []Turn
	if err := json.Unmarshal(raw.Messages, &turns); err != nil {
		return nil, ErrInvalidTurn
	}
	if err := Validate(turns); err != nil {
		return nil, err
	}

	model := raw.Model
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		model = DefaultModel
	}
	return &Request{Messages: turns, Model: model}, nil
}

// Validate checks the length bounds and the role of every turn.
func Validate(turns []Turn) error {
	if len(turns) == 0 {
		return ErrEmpty
	}
	if len(turns) > MaxTurns {
		return ErrTooManyTurns
	}
	for _, t := range turns {
		switch t.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return ErrInvalidTurn
		}
	}
	return nil
}

// LastContent returns the content of the final turn, or "" for an empty slice.
func LastContent(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	return turns[len(turns)-1].Content
}
