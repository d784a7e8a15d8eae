// Package anthropic adapts the official Anthropic SDK to the backends
// contract. System turns are folded into the system prompt because the
// Messages API carries them out of band.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quorixlabs/infergate/internal/backends"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 4096

	// DefaultID is the backend id used when none is configured.
	DefaultID = "anthropic"

	streamBuffer = 64
)

// Backend calls the Anthropic Messages API.
type Backend struct {
	id      string
	apiKey  string
	baseURL string
	timeout time.Duration
	client  anthropicSDK.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API base URL.
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

// New creates an Anthropic backend.
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

	b.client = anthropicSDK.NewClient(
		option.WithAPIKey(b.apiKey),
		option.WithBaseURL(b.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: b.timeout}),
	)

	return b
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return fmt.Errorf("health check: %w", b.wrapErr(err))
	}
	return nil
}

func (b *Backend) ExecuteChat(ctx context.Context, req *backends.Request) (*backends.Response, error) {
	msg, err := b.client.Messages.New(ctx, b.messageParams(req))
	if err != nil {
		return nil, b.wrapErr(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &backends.Response{
		Text:             sb.String(),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		FinishReason:     mapStopReason(string(msg.StopReason)),
	}, nil
}

func (b *Backend) StreamChat(ctx context.Context, req *backends.Request) (<-chan backends.Chunk, error) {
	stream := b.client.Messages.NewStreaming(ctx, b.messageParams(req))

	ch := make(chan backends.Chunk, streamBuffer)

	// First event pulled synchronously so start failures surface as an
	// error the router can retry.
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
			switch ev := stream.Current().AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				if text := deltaText(ev); text != "" {
					select {
					case ch <- backends.Chunk{Delta: text}:
					case <-ctx.Done():
						return
					}
				}
			case anthropicSDK.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					finish = mapStopReason(string(ev.Delta.StopReason))
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

func (b *Backend) messageParams(req *backends.Request) anthropicSDK.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropicSDK.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case backends.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	// The Messages API caps temperature at 1; clients send OpenAI-style
	// values up to 2.
	if temp := min(req.Temperature, 1); temp > 0 {
		params.Temperature = anthropicSDK.Float(temp)
	}
	if req.TopP > 0 {
		params.TopP = anthropicSDK.Float(req.TopP)
	}

	return params
}

func toSDKMessage(role, content string) anthropicSDK.MessageParam {
	sdkRole := anthropicSDK.MessageParamRoleUser
	if strings.ToLower(role) == backends.RoleAssistant {
		sdkRole = anthropicSDK.MessageParamRoleAssistant
	}

	return anthropicSDK.MessageParam{
		Role: sdkRole,
		Content: []anthropicSDK.ContentBlockParamUnion{
			{
				OfText: &anthropicSDK.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func deltaText(ev anthropicSDK.ContentBlockDeltaEvent) string {
	switch d := ev.Delta.AsAny().(type) {
	case anthropicSDK.TextDelta:
		return d.Text
	case *anthropicSDK.TextDelta:
		return d.Text
	}
	return ""
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return backends.FinishStop
	case "max_tokens":
		return backends.FinishLength
	default:
		return reason
	}
}

func (b *Backend) wrapErr(err error) error {
	var apiErr *anthropicSDK.Error
	if errors.As(err, &apiErr) {
		return &backends.UpstreamError{
			Backend:    b.id,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return fmt.Errorf("%s: %w", b.id, err)
}
