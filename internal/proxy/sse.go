package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/quorixlabs/infergate/internal/backends"
	"github.com/quorixlabs/infergate/internal/coalesce"
	"github.com/quorixlabs/infergate/pkg/apierr"
)

// writeSSE renders a chunk sequence as Server-Sent Events. next is pulled
// until a terminal chunk, an error, or client disconnect; cleanup detaches
// from the chunk source. onComplete always runs after the body writer
// drains, with an estimated completion token count (≈ chars/4).
//
// Event order: role chunk (before the first content), content deltas, a
// finish chunk, then the [DONE] sentinel. A failed stream replaces the
// finish chunk with an `event: error` carrying the error envelope; [DONE]
// still follows so clients always observe the sentinel.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, req *backends.Request, next func(context.Context) (backends.Chunk, error), cleanup func(), onComplete func(completionTokens int)) {
	id := newCompletionID()
	created := time.Now().Unix()
	model := req.Model

	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.ImmediateHeaderFlush = true

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		contentLen := 0
		defer func() {
			cleanup()
			// Estimate completion tokens: ~4 characters per token.
			est := contentLen / 4
			if est == 0 {
				est = 1
			}
			onComplete(est)
		}()

		waitCtx, cancel := context.WithTimeout(g.baseCtx, g.cfg.RequestTimeout)
		defer cancel()

		roleSent := false
		for {
			chunk, err := next(waitCtx)
			if errors.Is(err, coalesce.ErrStreamDone) {
				break
			}
			if err != nil {
				// Gave up waiting for the next chunk.
				writeNamedEvent(w, "error", apierr.Envelope(err))
				break
			}
			if chunk.Err != nil {
				g.log.WarnContext(ctx, "stream_error",
					slog.String("request_id", req.RequestID),
					slog.String("error", chunk.Err.Error()),
				)
				if !writeNamedEvent(w, "error", apierr.Envelope(chunk.Err)) {
					return
				}
				break
			}
			if !roleSent {
				roleSent = true
				if !writeJSONEvent(w, roleChunk(id, created, model)) {
					return
				}
			}
			if chunk.Delta != "" {
				contentLen += len(chunk.Delta)
				if !writeJSONEvent(w, deltaChunk(id, created, model, chunk.Delta)) {
					return
				}
			}
			if chunk.FinishReason != "" {
				if !writeJSONEvent(w, finishChunk(id, created, model, chunk.FinishReason)) {
					return
				}
				break
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}

// writeJSONEvent writes v as one SSE data event. Returns false once the
// client is gone and writing should stop.
func writeJSONEvent(w *bufio.Writer, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	return w.Flush() == nil
}

// writeNamedEvent writes an SSE event with an explicit event name.
func writeNamedEvent(w *bufio.Writer, event string, data []byte) bool {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return w.Flush() == nil
}
