// Package mock provides an in-process backend that fabricates deterministic
// completions. It is registered in development builds so the full request
// plane (quota, cache, coalescing, batching, routing, SSE) can be exercised
// without any provider credentials.
package mock

import (
	"context"
	"strings"
	"time"

	"github.com/quorixlabs/infergate/internal/backends"
)

const defaultChunkDelay = 35 * time.Millisecond

// Backend fabricates completions from the request itself, so identical
// requests always produce identical bytes.
type Backend struct {
	id         string
	chunkDelay time.Duration
}

// Option configures a Backend.
type Option func(*Backend)

// WithChunkDelay overrides the pause between streamed words. Zero disables
// the pacing entirely, which keeps tests fast.
func WithChunkDelay(d time.Duration) Option {
	return func(b *Backend) { b.chunkDelay = d }
}

// New creates a mock backend with the given id.
func New(id string, opts ...Option) *Backend {
	b := &Backend{
		id:         id,
		chunkDelay: defaultChunkDelay,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) ExecuteChat(ctx context.Context, req *backends.Request) (*backends.Response, error) {
	if err := b.pause(ctx); err != nil {
		return nil, err
	}

	reply := replyFor(req)
	return &backends.Response{
		Text:             reply,
		PromptTokens:     promptWords(req),
		CompletionTokens: len(strings.Fields(reply)),
		FinishReason:     backends.FinishStop,
	}, nil
}

func (b *Backend) StreamChat(ctx context.Context, req *backends.Request) (<-chan backends.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words := strings.Fields(replyFor(req))
	ch := make(chan backends.Chunk)

	go func() {
		defer close(ch)
		for i, w := range words {
			if err := b.pause(ctx); err != nil {
				return
			}
			delta := w
			if i > 0 {
				delta = " " + w
			}
			select {
			case ch <- backends.Chunk{Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- backends.Chunk{FinishReason: backends.FinishStop}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// pause sleeps for the configured chunk delay, honoring cancellation.
func (b *Backend) pause(ctx context.Context) error {
	if b.chunkDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.chunkDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replyFor builds the canned completion text. Streamed deltas concatenate to
// exactly this string.
func replyFor(req *backends.Request) string {
	return "Mock response for model " + req.Model + ": " + lastUserMessage(req)
}

func lastUserMessage(req *backends.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == backends.RoleUser {
			return req.Messages[i].Content
		}
	}
	if n := len(req.Messages); n > 0 {
		return req.Messages[n-1].Content
	}
	return ""
}

func promptWords(req *backends.Request) int {
	n := 0
	for _, m := range req.Messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
