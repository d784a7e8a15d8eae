package proxy

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/quorixlabs/infergate/internal/backends"
	"github.com/quorixlabs/infergate/pkg/apierr"
)

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
)

// Wire shapes for the OpenAI chat-completions surface. Inbound generation
// fields are pointers so an absent field and an explicit zero can be told
// apart during normalization.
type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		MaxTokens   *int             `json:"max_tokens"`
		Temperature *float64         `json:"temperature"`
		TopP        *float64         `json:"top_p"`
		User        string           `json:"user"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}

	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	chunkEnvelope struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}
)

// Defaults fill the generation fields a client omitted.
type Defaults struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// normalize validates the inbound body and resolves it into the immutable
// request the rest of the pipeline works with. Generation fields are
// defaulted and range-clamped here, so equivalent requests fingerprint
// identically no matter how they were phrased.
func normalize(in *inboundRequest, d Defaults, requestID, userID string) (*backends.Request, error) {
	if strings.TrimSpace(in.Model) == "" {
		return nil, apierr.New(apierr.KindBadRequest, "field 'model' is required")
	}
	if len(in.Messages) == 0 {
		return nil, apierr.New(apierr.KindBadRequest, "field 'messages' must not be empty")
	}

	msgs := make([]backends.Message, len(in.Messages))
	for i, m := range in.Messages {
		if !backends.ValidRole(m.Role) {
			return nil, apierr.Newf(apierr.KindBadRequest, "messages[%d]: unknown role %q", i, m.Role)
		}
		msgs[i] = backends.Message{Role: m.Role, Content: m.Content}
	}

	maxTokens := d.MaxTokens
	if in.MaxTokens != nil {
		maxTokens = *in.MaxTokens
	}
	if maxTokens < 1 {
		return nil, apierr.New(apierr.KindBadRequest, "'max_tokens' must be at least 1")
	}

	temperature := d.Temperature
	if in.Temperature != nil {
		temperature = *in.Temperature
	}
	topP := d.TopP
	if in.TopP != nil {
		topP = *in.TopP
	}

	return &backends.Request{
		RequestID:   requestID,
		UserID:      userID,
		Model:       in.Model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: clampFloat(temperature, 0, 2),
		TopP:        clampFloat(topP, 0, 1),
		Stream:      in.Stream,
	}, nil
}

func clampFloat(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

// newCompletionID mints the public response id.
func newCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}

// completionEnvelope renders the chat.completion response body.
func completionEnvelope(id string, created int64, model string, resp *backends.Response) ([]byte, error) {
	out := outboundResponse{
		ID:      id,
		Object:  objectCompletion,
		Created: created,
		Model:   model,
		Choices: []outboundChoice{{
			Index:        0,
			Message:      outboundMessage{Role: backends.RoleAssistant, Content: resp.Text},
			FinishReason: finishOrStop(resp.FinishReason),
		}},
		Usage: outboundUsage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.TotalTokens(),
		},
	}
	return json.Marshal(out)
}

// usageFromEnvelope extracts token usage from a rendered completion body.
// Best effort: a body that fails to decode reports zero usage.
func usageFromEnvelope(body []byte) (prompt, completion int) {
	var cu struct {
		Usage outboundUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &cu); err != nil {
		return 0, 0
	}
	return cu.Usage.PromptTokens, cu.Usage.CompletionTokens
}

func finishOrStop(reason string) string {
	if reason == "" {
		return backends.FinishStop
	}
	return reason
}

// roleChunk opens a stream: it announces the assistant role before any
// content.
func roleChunk(id string, created int64, model string) chunkEnvelope {
	return chunkEnvelope{
		ID:      id,
		Object:  objectChunk,
		Created: created,
		Model:   model,
		Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Role: backends.RoleAssistant}}},
	}
}

func deltaChunk(id string, created int64, model, content string) chunkEnvelope {
	return chunkEnvelope{
		ID:      id,
		Object:  objectChunk,
		Created: created,
		Model:   model,
		Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: content}}},
	}
}

// finishChunk closes a stream: empty delta with the finish reason set.
func finishChunk(id string, created int64, model, reason string) chunkEnvelope {
	r := finishOrStop(reason)
	return chunkEnvelope{
		ID:      id,
		Object:  objectChunk,
		Created: created,
		Model:   model,
		Choices: []chunkChoice{{Index: 0, FinishReason: &r}},
	}
}
