// Package gemini adapts the official Google GenAI SDK to the backends
// contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/quorixlabs/infergate/internal/backends"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 60 * time.Second

	// DefaultID is the backend id used when none is configured.
	DefaultID = "gemini"

	streamBuffer = 64
)

// Backend calls the Gemini generateContent API.
type Backend struct {
	id      string
	baseURL string
	timeout time.Duration
	client  *genai.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API base URL. A trailing version segment such
// as /v1beta is split off and passed to the SDK as the API version.
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

// New creates a Gemini backend. The context is only used for client setup.
func New(ctx context.Context, apiKey string, opts ...Option) (*Backend, error) {
	b := &Backend{
		id:      DefaultID,
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(b)
	}

	base, ver := splitBaseURLAndVersion(b.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: b.timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client setup: %w", err)
	}
	b.client = client

	return b, nil
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("health check: %w", b.wrapErr(err))
	}
	return nil
}

func (b *Backend) ExecuteChat(ctx context.Context, req *backends.Request) (*backends.Response, error) {
	contents, cfg := buildContentsAndConfig(req)

	resp, err := b.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, b.wrapErr(err)
	}

	out := ""
	finish := backends.FinishStop
	if resp != nil {
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = mapFinishReason(string(resp.Candidates[0].FinishReason))
		}
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &backends.Response{
		Text:             out,
		PromptTokens:     inTok,
		CompletionTokens: outTok,
		FinishReason:     finish,
	}, nil
}

func (b *Backend) StreamChat(ctx context.Context, req *backends.Request) (<-chan backends.Chunk, error) {
	contents, cfg := buildContentsAndConfig(req)

	// The SDK exposes streaming as an iterator; pull the first item
	// synchronously so start failures surface as an error the router can
	// retry.
	next, stop := iter.Pull2(b.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg))

	resp, err, ok := next()
	if err != nil {
		stop()
		return nil, b.wrapErr(err)
	}

	ch := make(chan backends.Chunk, streamBuffer)

	if !ok {
		stop()
		ch <- backends.Chunk{FinishReason: backends.FinishStop}
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)
		defer stop()
		finish := ""
		for {
			if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
				c := resp.Candidates[0]
				if text := candidateText(c); text != "" {
					select {
					case ch <- backends.Chunk{Delta: text}:
					case <-ctx.Done():
						return
					}
				}
				if c.FinishReason != "" {
					finish = mapFinishReason(string(c.FinishReason))
				}
			}

			resp, err, ok = next()
			if !ok {
				break
			}
			if err != nil {
				select {
				case ch <- backends.Chunk{Err: b.wrapErr(err)}:
				case <-ctx.Done():
				}
				return
			}
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

func buildContentsAndConfig(req *backends.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case backends.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case backends.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if cfg != nil && req.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return backends.FinishStop
	case "MAX_TOKENS":
		return backends.FinishLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return backends.FinishContentFilter
	default:
		return strings.ToLower(reason)
	}
}

func (b *Backend) wrapErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &backends.UpstreamError{
			Backend:    b.id,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return fmt.Errorf("%s: %w", b.id, err)
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}
