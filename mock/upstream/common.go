package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// wordPool feeds the fake completions.
var wordPool = []string{
	"The", "inference", "gateway", "routes", "this", "request", "to", "a",
	"simulated", "upstream", "that", "responds", "with", "plausible", "tokens",
	"for", "development", "and", "load", "testing", "without", "real",
	"credentials", "or", "spend",
}

// fakeSentence returns a fake completion of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = wordPool[rand.IntN(len(wordPool))]
	}
	return strings.Join(words, " ") + "."
}

// applyLatency sleeps for the configured artificial latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError reports whether this request should simulate a failure.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    typ,
	}})
}

// sseWriter serialises server-sent events onto a response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func startSSE(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// send writes one unnamed data event.
func (s *sseWriter) send(data any) {
	raw, _ := json.Marshal(data)
	fmt.Fprintf(s.w, "data: %s\n\n", raw)
	s.flush()
}

// sendEvent writes one named event, as the Anthropic protocol requires.
func (s *sseWriter) sendEvent(event string, data any) {
	raw, _ := json.Marshal(data)
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, raw)
	s.flush()
}

// sendRaw writes a literal data line, e.g. the [DONE] sentinel.
func (s *sseWriter) sendRaw(line string) {
	fmt.Fprintf(s.w, "data: %s\n\n", line)
	s.flush()
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
