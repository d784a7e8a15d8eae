package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAnthropicHandler simulates the Anthropic messages API. Point the
// gateway at it with ANTHROPIC_BASE_URL.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeAnthropicError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeAnthropicError(w, http.StatusInternalServerError, "mock internal error", "overloaded_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "claude-sonnet-4-5"
		}

		id := fmt.Sprintf("msg_mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)

		if req.Stream {
			serveAnthropicStream(w, id, model, content, cfg.StreamWords)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]string{
				{"type": "text", "text": content},
			},
			"usage": map[string]int{
				"input_tokens":  15,
				"output_tokens": cfg.StreamWords,
			},
		})
	})

	// Models list, used by the gateway's health probe.
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "claude-sonnet-4-5", "display_name": "Claude Sonnet 4.5", "created_at": time.Now().Unix()},
				{"id": "claude-haiku-4-5", "display_name": "Claude Haiku 4.5", "created_at": time.Now().Unix()},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4-5",
			"last_id":  "claude-haiku-4-5",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found_error")
	})

	return mux
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

// serveAnthropicStream emits the documented event sequence: message_start,
// content_block_start, text deltas, content_block_stop, message_delta with
// the stop reason, message_stop.
func serveAnthropicStream(w http.ResponseWriter, id, model, content string, outTokens int) {
	sse := startSSE(w)

	sse.sendEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 15, "output_tokens": 0},
		},
	})

	sse.sendEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})

	for _, word := range strings.Fields(content) {
		sse.sendEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	sse.sendEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})

	sse.sendEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outTokens},
	})

	sse.sendEvent("message_stop", map[string]string{"type": "message_stop"})
}
