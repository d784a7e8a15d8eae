// Package usage records one analytics row per completed request.
//
// Rows are written to an internal buffered channel and flushed in batches
// by a background goroutine, so recording never blocks the request path.
// If the channel fills up (> 10 000 rows), new rows are dropped and counted
// in Dropped.
//
// Two real sinks exist: a slog sink that renders rows as structured log
// lines, and a ClickHouse sink for analytics storage. Nop discards
// everything and is used when analytics are disabled.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is one request's analytics row. APIKeyID is the redacted key
// identity, never the raw credential.
type Entry struct {
	RequestID        string
	APIKeyID         string
	Model            string
	Backend          string
	Stream           bool
	CacheHit         bool
	PromptTokens     uint32
	CompletionTokens uint32
	LatencyMs        uint32
	Status           uint16
	CreatedAt        time.Time
}

// Sink receives completed request rows. Record must never block.
type Sink interface {
	Record(Entry)
	Close() error
}

// Nop discards every row.
type Nop struct{}

func (Nop) Record(Entry) {}
func (Nop) Close() error { return nil }

// flushFunc writes one batch of rows to the backing store.
type flushFunc func(ctx context.Context, batch []Entry) error

// Writer is the batching pump shared by the real sinks: a bounded channel
// in front of a single flush goroutine.
type Writer struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped  int64
	finalErr error

	baseCtx context.Context
	flush   flushFunc
	final   func() error
	log     *slog.Logger
}

func newWriter(ctx context.Context, flush flushFunc, final func() error, log *slog.Logger) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	w := &Writer{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		flush:   flush,
		final:   final,
		log:     log,
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Record enqueues the row, dropping it when the buffer is full.
func (w *Writer) Record(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case w.ch <- e:
	default:
		atomic.AddInt64(&w.dropped, 1)
	}
}

// Dropped returns how many rows were discarded because the buffer was full.
func (w *Writer) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close drains buffered rows, flushes what remains and releases the
// backing store. Safe to call more than once; later calls return the
// first call's error.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		if w.final != nil {
			w.finalErr = w.final()
		}
	})
	return w.finalErr
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.flush(w.baseCtx, batch); err != nil {
			w.log.Warn("usage flush failed",
				slog.Int("rows", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-w.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case e := <-w.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// NewLogSink returns a sink that renders each row as one slog record.
// This is the fallback when no analytics store is configured.
func NewLogSink(ctx context.Context, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	flush := func(fctx context.Context, batch []Entry) error {
		for _, e := range batch {
			log.InfoContext(fctx, "request",
				slog.String("request_id", e.RequestID),
				slog.String("api_key_id", e.APIKeyID),
				slog.String("model", e.Model),
				slog.String("backend", e.Backend),
				slog.Bool("stream", e.Stream),
				slog.Bool("cache_hit", e.CacheHit),
				slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
				slog.Uint64("completion_tokens", uint64(e.CompletionTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Time("created_at", e.CreatedAt),
			)
		}
		return nil
	}
	return newWriter(ctx, flush, nil, log)
}
