// Package openai adapts the official OpenAI SDK to the backends contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/quorixlabs/infergate/internal/backends"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second

	// DefaultID is the backend id used when none is configured.
	DefaultID = "openai"

	streamBuffer = 64
)

// Backend calls the OpenAI chat completions API.
type Backend struct {
	id      string
	apiKey  string
	baseURL string
	timeout time.Duration
	client  openaiSDK.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API base URL. Works both with and without a
// path prefix, so "http://host:9090" and "http://host:9090/v1" behave the
// same.
func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
}

// WithID overrides the backend id reported to the router.
func WithID(id string) Option {
	return func(b *Backend) { b.id = id }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) { b.timeout = d }
}

// New creates an OpenAI backend.
func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		id:      DefaultID,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(b)
	}

	httpClient := &http.Client{Timeout: b.timeout}
	if b.baseURL != "" && b.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, b.baseURL)
	}

	b.client = openaiSDK.NewClient(
		option.WithAPIKey(b.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return b
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx); err != nil {
		return fmt.Errorf("health check: %w", b.wrapErr(err))
	}
	return nil
}

func (b *Backend) ExecuteChat(ctx context.Context, req *backends.Request) (*backends.Response, error) {
	resp, err := b.client.Chat.Completions.New(ctx, b.chatParams(req))
	if err != nil {
		return nil, b.wrapErr(err)
	}

	content := ""
	finish := backends.FinishStop
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		if fr := resp.Choices[0].FinishReason; fr != "" {
			finish = fr
		}
	}

	return &backends.Response{
		Text:             content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		FinishReason:     finish,
	}, nil
}

func (b *Backend) StreamChat(ctx context.Context, req *backends.Request) (<-chan backends.Chunk, error) {
	stream := b.client.Chat.Completions.NewStreaming(ctx, b.chatParams(req))

	ch := make(chan backends.Chunk, streamBuffer)

	// Pull the first event synchronously so connect and auth failures reach
	// the router as a start error it can retry, not as a mid-stream chunk.
	if !stream.Next() {
		if err := stream.Err(); err != nil {
			return nil, b.wrapErr(err)
		}
		ch <- backends.Chunk{FinishReason: backends.FinishStop}
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)
		finish := ""
		for {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				c := chunk.Choices[0]
				if c.Delta.Content != "" {
					select {
					case ch <- backends.Chunk{Delta: c.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
				if c.FinishReason != "" {
					finish = c.FinishReason
				}
			}
			if !stream.Next() {
				break
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- backends.Chunk{Err: b.wrapErr(err)}:
			case <-ctx.Done():
			}
			return
		}
		if finish == "" {
			finish = backends.FinishStop
		}
		select {
		case ch <- backends.Chunk{FinishReason: finish}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func (b *Backend) chatParams(req *backends.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       req.Model,
		Temperature: openaiSDK.Float(req.Temperature),
		TopP:        openaiSDK.Float(req.TopP),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func (b *Backend) wrapErr(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &backends.UpstreamError{
			Backend:    b.id,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return fmt.Errorf("%s: %w", b.id, err)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case backends.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case backends.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// baseURLTransport rewrites outgoing requests onto an override host. The
// SDK keeps building URLs against its default base; only scheme, host and
// any extra path prefix change here.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
