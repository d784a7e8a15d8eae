// Package backends defines the common types and the uniform contract
// implemented by every upstream LLM adapter (OpenAI, Anthropic, Gemini,
// mock).
//
// Each adapter lives in its own sub-package. The request plane never talks
// to an adapter directly; all calls go through the router, which owns
// selection, retries and circuit state.
package backends

import (
	"context"
	"fmt"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Request is the normalized client request. It is built once after
	// auth and validation and is immutable afterwards. Generation fields
	// are always resolved; a request never carries unset defaults.
	Request struct {
		RequestID   string
		UserID      string
		Model       string
		Messages    []Message
		MaxTokens   int
		Temperature float64
		TopP        float64
		Stream      bool
	}

	// Chunk is a single delta of a streaming response. A chunk with a
	// non-empty FinishReason or a non-nil Err is terminal; the adapter
	// closes the channel after sending it. A channel that closes without
	// a terminal chunk is treated as a clean stop.
	Chunk struct {
		Delta        string
		FinishReason string
		Err          error
	}

	// Response is a completed non-streaming backend response. Backend is
	// stamped by the router after a successful dispatch; adapters leave it
	// empty.
	Response struct {
		Text             string
		PromptTokens     int
		CompletionTokens int
		FinishReason     string
		Backend          string
	}
)

// Message roles accepted in normalized requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Finish reasons a backend may report.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

// ValidRole reports whether role is one of the accepted message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// TotalTokens returns prompt + completion usage.
func (r *Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Backend is the uniform upstream contract.
//
// ExecuteChat performs a unary completion. StreamChat returns a channel of
// chunks; the adapter closes it after the terminal chunk. HealthCheck is a
// cheap liveness call used by the router's prober.
type Backend interface {
	ID() string
	ExecuteChat(ctx context.Context, req *Request) (*Response, error)
	StreamChat(ctx context.Context, req *Request) (<-chan Chunk, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// UpstreamError is the error adapters return for non-2xx upstream replies.
type UpstreamError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Backend, e.StatusCode, e.Message)
}

// HTTPStatus implements StatusCoder.
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }
