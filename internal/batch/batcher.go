// Package batch implements the micro-batching scheduler for non-streaming
// requests.
//
// Requests are grouped into batch classes keyed by model and quantized
// decoding parameters. Each class buffers pending requests until the batch
// is full or the batch window elapses, then dispatches the whole batch.
// Upstream calls are still one per request; the batcher's value is
// admission shaping and fair per-class dispatch. Class state is created
// lazily on first enqueue and torn down after an idle period.
package batch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/quorixlabs/infergate/internal/backends"
)

// Flush triggers reported to the onFlush hook.
const (
	TriggerSize     = "size"
	TriggerDeadline = "deadline"
	TriggerShutdown = "shutdown"
)

// idleWindows is how many empty batch windows a class survives before its
// flush loop exits.
const idleWindows = 5

// Dispatch executes a single request against the router.
type Dispatch func(ctx context.Context, req *backends.Request) (*backends.Response, error)

// Batcher groups compatible non-streaming requests into per-class batches.
type Batcher struct {
	maxSize   int
	wait      time.Duration
	idleAfter time.Duration
	dispatch  Dispatch
	onFlush   func(trigger string, size int)

	mu      sync.Mutex
	classes map[string]*class
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

type class struct {
	key     string
	wake    chan struct{}
	pending []*pendingCall // guarded by Batcher.mu
}

type pendingCall struct {
	ctx  context.Context
	req  *backends.Request
	done chan result
}

type result struct {
	resp *backends.Response
	err  error
}

// New creates a Batcher that flushes a class when it holds maxSize
// requests or wait has elapsed since the window opened, whichever comes
// first. onFlush, if non-nil, is called once per flush with the trigger
// and batch size.
func New(maxSize int, wait time.Duration, dispatch Dispatch, onFlush func(trigger string, size int)) *Batcher {
	return &Batcher{
		maxSize:   maxSize,
		wait:      wait,
		idleAfter: idleWindows * wait,
		dispatch:  dispatch,
		onFlush:   onFlush,
		classes:   make(map[string]*class),
		done:      make(chan struct{}),
	}
}

// Submit enqueues the request into its batch class and blocks until its
// result is ready or ctx ends. With batching effectively off (maxSize <= 1)
// or the batcher closed, the request is dispatched directly.
func (b *Batcher) Submit(ctx context.Context, req *backends.Request) (*backends.Response, error) {
	if b.maxSize <= 1 {
		return b.dispatch(ctx, req)
	}

	p := &pendingCall{ctx: ctx, req: req, done: make(chan result, 1)}
	key := ClassKey(req)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.dispatch(ctx, req)
	}
	c, ok := b.classes[key]
	if !ok {
		c = &class{key: key, wake: make(chan struct{}, 1)}
		b.classes[key] = c
		b.wg.Add(1)
		go b.runClass(c)
	}
	c.pending = append(c.pending, p)
	b.mu.Unlock()

	notify(c.wake)

	select {
	case res := <-p.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close flushes every pending request and waits for in-flight dispatches.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

// Classes returns the number of live batch classes.
func (b *Batcher) Classes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.classes)
}

// runClass is the single flush loop for one batch class.
func (b *Batcher) runClass(c *class) {
	defer b.wg.Done()

	idle := time.NewTimer(b.idleAfter)
	defer idle.Stop()

	for {
		if b.pendingLen(c) == 0 {
			select {
			case <-c.wake:
				continue
			case <-idle.C:
				if b.retire(c) {
					return
				}
				idle.Reset(b.idleAfter)
				continue
			case <-b.done:
				b.flush(c, TriggerShutdown)
				return
			}
		}

		b.window(c)

		select {
		case <-b.done:
			b.flush(c, TriggerShutdown)
			return
		default:
		}

		idle.Reset(b.idleAfter)
	}
}

// window blocks until one flush trigger fires and performs that flush.
func (b *Batcher) window(c *class) {
	deadline := time.NewTimer(b.wait)
	defer deadline.Stop()

	for {
		if b.pendingLen(c) >= b.maxSize {
			b.flush(c, TriggerSize)
			return
		}
		select {
		case <-c.wake:
		case <-deadline.C:
			b.flush(c, TriggerDeadline)
			return
		case <-b.done:
			return
		}
	}
}

// flush takes the current batch off the queue and dispatches it without
// blocking the class loop, so the next window can open immediately.
// A shutdown flush drains the queue regardless of size.
func (b *Batcher) flush(c *class, trigger string) {
	b.mu.Lock()
	n := len(c.pending)
	if n == 0 {
		b.mu.Unlock()
		return
	}
	if trigger != TriggerShutdown && n > b.maxSize {
		n = b.maxSize
	}
	batch := c.pending[:n:n]
	c.pending = append([]*pendingCall(nil), c.pending[n:]...)
	b.mu.Unlock()

	if b.onFlush != nil {
		b.onFlush(trigger, len(batch))
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatchBatch(batch)
	}()
}

// dispatchBatch starts one upstream call per request in enqueue order and
// delivers results to the responders in enqueue order. Failures stay
// per-request.
func (b *Batcher) dispatchBatch(batch []*pendingCall) {
	results := make([]result, len(batch))

	var wg sync.WaitGroup
	for i, p := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := b.dispatch(p.ctx, p.req)
			results[i] = result{resp: resp, err: err}
		}()
	}
	wg.Wait()

	for i, p := range batch {
		p.done <- results[i]
	}
}

func (b *Batcher) pendingLen(c *class) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(c.pending)
}

// retire removes the class if it is still empty. Returns false when a
// request slipped in before the lock was taken.
func (b *Batcher) retire(c *class) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(c.pending) > 0 {
		return false
	}
	delete(b.classes, c.key)
	return true
}

func notify(wake chan struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

// ClassKey buckets a request into its batch class: exact model, max_tokens
// rounded to the nearest 64 and sampling parameters quantized to two
// decimal places.
func ClassKey(req *backends.Request) string {
	bucket := (req.MaxTokens + 32) / 64 * 64
	return req.Model + "|" + strconv.Itoa(bucket) +
		"|" + strconv.FormatFloat(req.Temperature, 'f', 2, 64) +
		"|" + strconv.FormatFloat(req.TopP, 'f', 2, 64)
}
