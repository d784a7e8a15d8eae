package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler simulates the Google Gemini API. Point the gateway at it
// with GEMINI_BASE_URL.
//
// The genai SDK calls:
//
//	POST {base}/v1beta/models/{model}:generateContent
//	POST {base}/v1beta/models/{model}:streamGenerateContent?alt=sse
//	GET  {base}/v1beta/models                (list, used by health probe)
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // e.g. /v1beta/models/gemini-2.0-flash:generateContent
		model := geminiModelFromPath(path)

		stream := false
		switch {
		case strings.HasSuffix(path, ":generateContent"):
		case strings.HasSuffix(path, ":streamGenerateContent"):
			stream = true
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
			return
		}

		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		serveGeminiGenerate(w, cfg, model, stream)
	})

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
				{"name": "models/gemini-1.5-pro", "displayName": "Gemini 1.5 Pro"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func serveGeminiGenerate(w http.ResponseWriter, cfg Config, model string, stream bool) {
	id := fmt.Sprintf("resp-mock%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)

	response := func(text, finish string, usage bool) map[string]any {
		resp := map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": text}},
				},
				"index": 0,
			}},
			"responseId":   id,
			"modelVersion": model,
		}
		if finish != "" {
			resp["candidates"].([]map[string]any)[0]["finishReason"] = finish
		}
		if usage {
			resp["usageMetadata"] = map[string]int{
				"promptTokenCount":     10,
				"candidatesTokenCount": cfg.StreamWords,
				"totalTokenCount":      10 + cfg.StreamWords,
			}
		}
		return resp
	}

	if !stream {
		writeJSON(w, http.StatusOK, response(content, "STOP", true))
		return
	}

	// SSE of partial GenerateContentResponse objects, last one carrying the
	// finish reason and usage.
	sse := startSSE(w)
	words := strings.Fields(content)
	for i, word := range words {
		if i == len(words)-1 {
			sse.send(response(word, "STOP", true))
		} else {
			sse.send(response(word+" ", "", false))
		}
	}
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

// geminiModelFromPath pulls the model out of a path like
// /v1beta/models/gemini-2.0-flash:generateContent
func geminiModelFromPath(path string) string {
	const prefix = "/v1beta/models/"
	rest := strings.TrimPrefix(path, prefix)
	if col := strings.IndexByte(rest, ':'); col >= 0 {
		return rest[:col]
	}
	return rest
}
