// Package coalesce merges concurrent identical requests so one upstream
// call serves every caller that arrived while it was in flight.
//
// Group handles unary completions: the first caller for a fingerprint
// becomes the leader and runs the upstream call, later callers block until
// the leader's result is ready and receive the same bytes. StreamGroup
// handles streaming completions with replay for late joiners.
//
// Coalescing is keyed by request fingerprint, so it only ever merges
// requests that are semantically identical. The upstream call runs on its
// own context: a caller that disconnects stops waiting without disturbing
// the others, and the call is canceled only when the last caller is gone.
package coalesce

import (
	"context"
	"sync"
	"time"
)

// Group deduplicates concurrent unary calls per fingerprint.
type Group[V any] struct {
	timeout time.Duration

	mu    sync.Mutex
	cells map[string]*cell[V]
}

type cell[V any] struct {
	waiters int
	cancel  context.CancelFunc
	done    chan struct{} // closed once val/err are set

	val V
	err error
}

// NewGroup creates a Group. timeout caps how long a coalesced upstream
// call may run regardless of how many callers are attached; zero means no
// cap beyond caller contexts.
func NewGroup[V any](timeout time.Duration) *Group[V] {
	return &Group[V]{
		timeout: timeout,
		cells:   make(map[string]*cell[V]),
	}
}

// Do executes compute for the fingerprint, coalescing with any identical
// call already in flight. The first caller runs compute; concurrent
// callers wait for its result. Returns shared=true when the result came
// from (or was shared with) another caller's computation, i.e. for every
// non-leader.
//
// compute receives a context detached from the caller's: it is canceled
// when every waiter has given up, or when the group timeout expires. A
// caller whose own ctx ends gets ctx.Err() while compute keeps running
// for the remaining waiters.
func (g *Group[V]) Do(ctx context.Context, fingerprint string, compute func(context.Context) (V, error)) (V, bool, error) {
	g.mu.Lock()
	if c, ok := g.cells[fingerprint]; ok {
		c.waiters++
		g.mu.Unlock()
		v, err := g.wait(ctx, fingerprint, c)
		return v, true, err
	}

	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if g.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, g.timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	c := &cell[V]{
		waiters: 1,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	g.cells[fingerprint] = c
	g.mu.Unlock()

	go g.run(fingerprint, c, runCtx, compute)

	v, err := g.wait(ctx, fingerprint, c)
	return v, false, err
}

// run executes compute and publishes its result to every waiter.
func (g *Group[V]) run(fingerprint string, c *cell[V], runCtx context.Context, compute func(context.Context) (V, error)) {
	v, err := compute(runCtx)

	g.mu.Lock()
	c.val, c.err = v, err
	delete(g.cells, fingerprint)
	g.mu.Unlock()

	close(c.done)
	c.cancel()
}

// wait blocks until the cell resolves or ctx ends. A departing waiter
// decrements the count; the last one out cancels the upstream call.
func (g *Group[V]) wait(ctx context.Context, fingerprint string, c *cell[V]) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	c.waiters--
	abandoned := c.waiters == 0
	g.mu.Unlock()

	if abandoned {
		c.cancel()
	}

	var zero V
	return zero, ctx.Err()
}

// Inflight returns the number of fingerprints with a call in flight.
func (g *Group[V]) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cells)
}
