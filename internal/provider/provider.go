package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Completion struct {
	Text  string
	Raw   json.RawMessage
	Usage *Usage
}

// Client performs a single chat completion. Failures that carry an HTTP
// status are returned as *StatusError.
type Client interface {
	Complete(ctx context.Context, model string, msgs []Message, params map[string]any) (*Completion, error)
}

// StatusError is a completion failure with an HTTP-like status code.
type StatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("provider returned %d", e.Status)
	if text := http.StatusText(e.Status); text != "" {
		msg += " " + text
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Body != "" {
		msg += ": " + truncate(e.Body, 512)
	}
	return msg
}

func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) StatusCode() int { return e.Status }

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, model string, msgs []Message, params map[string]any) (*Completion, error)

func (f ClientFunc) Complete(ctx context.Context, model string, msgs []Message, params map[string]any) (*Completion, error) {
	return f(ctx, model, msgs, params)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
