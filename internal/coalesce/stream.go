package coalesce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quorixlabs/infergate/internal/backends"
	"github.com/quorixlabs/infergate/pkg/apierr"
)

// ErrReplayOverflow is returned by JoinOrLead when the in-flight stream has
// already produced more chunks than the replay buffer holds. The caller
// should fall back to an uncoalesced upstream stream.
var ErrReplayOverflow = errors.New("coalesce: stream replay buffer full")

// ErrStreamDone is returned by Subscription.Next after the final chunk has
// been consumed.
var ErrStreamDone = errors.New("coalesce: stream done")

// StreamGroup coalesces concurrent identical streaming requests. The first
// caller for a fingerprint starts the upstream stream; later callers attach
// as subscribers, receive a replay of everything produced so far and then
// follow live.
//
// The upstream stream runs on its own context and survives any individual
// subscriber disconnecting. It is canceled when the last subscriber is gone
// or when the group timeout expires. A subscriber that stops consuming
// while the stream progresses is evicted so it cannot stall the others.
type StreamGroup struct {
	replayCap int
	slowAfter time.Duration
	timeout   time.Duration
	onEvict   func(fingerprint string)

	mu    sync.Mutex
	cells map[string]*streamCell
}

// NewStreamGroup creates a StreamGroup.
//
// replayCap bounds how many chunks are kept for late joiners; once a stream
// exceeds it, new joiners are refused with ErrReplayOverflow. slowAfter is
// how long a subscriber may sit on undelivered chunks before eviction.
// timeout caps the upstream stream's total lifetime; zero means no cap.
// onEvict, if non-nil, is called once per evicted subscriber.
func NewStreamGroup(replayCap int, slowAfter, timeout time.Duration, onEvict func(fingerprint string)) *StreamGroup {
	return &StreamGroup{
		replayCap: replayCap,
		slowAfter: slowAfter,
		timeout:   timeout,
		onEvict:   onEvict,
		cells:     make(map[string]*streamCell),
	}
}

// JoinOrLead attaches to the in-flight stream for the fingerprint, or
// starts one via start if none exists. Returns leader=true for the caller
// that started the stream.
//
// start receives a context detached from the caller's; it is canceled when
// the last subscriber detaches. If start fails, the error is returned to
// the leader and delivered as a terminal chunk to any subscriber that
// attached while start was running.
func (g *StreamGroup) JoinOrLead(ctx context.Context, fingerprint string, start func(context.Context) (<-chan backends.Chunk, error)) (*Subscription, bool, error) {
	g.mu.Lock()
	if c, ok := g.cells[fingerprint]; ok {
		c.mu.Lock()
		if c.capped {
			c.mu.Unlock()
			g.mu.Unlock()
			return nil, false, ErrReplayOverflow
		}
		sub := c.attachLocked()
		c.mu.Unlock()
		g.mu.Unlock()
		return sub, false, nil
	}

	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if g.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, g.timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	c := &streamCell{
		group:       g,
		fingerprint: fingerprint,
		cancel:      cancel,
		subs:        make(map[*Subscription]struct{}),
	}
	g.cells[fingerprint] = c
	g.mu.Unlock()

	upstream, err := start(runCtx)
	if err != nil {
		c.fanout(backends.Chunk{Err: err})
		c.terminate()
		return nil, true, err
	}

	c.mu.Lock()
	sub := c.attachLocked()
	c.mu.Unlock()

	go c.consume(runCtx, upstream)

	return sub, true, nil
}

// Inflight returns the number of fingerprints with a live stream.
func (g *StreamGroup) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cells)
}

// streamCell is one in-flight upstream stream plus its subscribers.
type streamCell struct {
	group       *StreamGroup
	fingerprint string
	cancel      context.CancelFunc

	// Lock order is group.mu, then cell.mu, then sub.mu. fanout takes
	// only cell.mu and below, so it never contends with the group map.
	mu      sync.Mutex
	history []backends.Chunk
	capped  bool
	subs    map[*Subscription]struct{}
	done    bool
}

// consume pumps the upstream channel into every subscriber until a
// terminal chunk arrives or the channel closes.
func (c *streamCell) consume(runCtx context.Context, upstream <-chan backends.Chunk) {
	terminal := false
	for chunk := range upstream {
		c.fanout(chunk)
		if chunk.Err != nil || chunk.FinishReason != "" {
			terminal = true
			break
		}
	}

	if !terminal {
		// The adapter closed the channel without a terminal chunk.
		// Distinguish a clean stop from our own deadline firing.
		if err := runCtx.Err(); errors.Is(err, context.DeadlineExceeded) {
			c.fanout(backends.Chunk{Err: apierr.New(apierr.KindUpstreamTimeout, "stream timed out")})
		} else {
			c.fanout(backends.Chunk{FinishReason: backends.FinishStop})
		}
	}

	c.terminate()
}

// fanout records the chunk for replay and offers it to every subscriber,
// evicting any subscriber that has been sitting on undelivered chunks for
// longer than the slow-consumer window.
func (c *streamCell) fanout(chunk backends.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.capped {
		c.history = append(c.history, chunk)
		if len(c.history) >= c.group.replayCap {
			// No more joiners; the replay copy is dead weight.
			c.capped = true
			c.history = nil
		}
	}

	// A fresh joiner starts with up to replayCap chunks preloaded, so the
	// hard queue bound sits above that.
	now := time.Now()
	for sub := range c.subs {
		if sub.offer(chunk, now, c.group.slowAfter, 2*c.group.replayCap) {
			delete(c.subs, sub)
			sub.evict()
			if c.group.onEvict != nil {
				c.group.onEvict(c.fingerprint)
			}
		}
	}

	if len(c.subs) == 0 && !c.done {
		c.cancel()
	}
}

// attachLocked creates a subscriber preloaded with the replay history.
// Caller holds c.mu.
func (c *streamCell) attachLocked() *Subscription {
	sub := &Subscription{
		cell:    c,
		queue:   append([]backends.Chunk(nil), c.history...),
		notify:  make(chan struct{}, 1),
		lastPop: time.Now(),
	}
	c.subs[sub] = struct{}{}
	return sub
}

// terminate finishes every subscriber and removes the cell so the next
// identical request starts a fresh stream.
func (c *streamCell) terminate() {
	c.group.mu.Lock()
	if c.group.cells[c.fingerprint] == c {
		delete(c.group.cells, c.fingerprint)
	}
	c.group.mu.Unlock()

	c.mu.Lock()
	c.done = true
	for sub := range c.subs {
		sub.finish()
		delete(c.subs, sub)
	}
	c.mu.Unlock()

	c.cancel()
}

// detach removes the subscriber; the last one out cancels the upstream
// stream and retires the cell.
func (c *streamCell) detach(sub *Subscription) {
	c.group.mu.Lock()
	c.mu.Lock()

	delete(c.subs, sub)
	last := len(c.subs) == 0 && !c.done
	if last && c.group.cells[c.fingerprint] == c {
		delete(c.group.cells, c.fingerprint)
	}

	c.mu.Unlock()
	c.group.mu.Unlock()

	if last {
		c.cancel()
	}
}

// Subscription is one consumer's view of a coalesced stream. Chunks are
// read with Next; Close detaches early. Safe for a single reader.
type Subscription struct {
	cell      *streamCell
	closeOnce sync.Once

	mu      sync.Mutex
	queue   []backends.Chunk
	notify  chan struct{}
	lastPop time.Time
	done    bool
}

// Next returns the next chunk, blocking until one is available or ctx
// ends. After the terminal chunk has been returned, Next returns
// ErrStreamDone.
func (s *Subscription) Next(ctx context.Context) (backends.Chunk, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			s.lastPop = time.Now()
			s.mu.Unlock()
			return chunk, nil
		}
		if s.done {
			s.mu.Unlock()
			return backends.Chunk{}, ErrStreamDone
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return backends.Chunk{}, ctx.Err()
		}
	}
}

// Close detaches the subscriber from the stream. Undelivered chunks are
// dropped. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { s.cell.detach(s) })
}

// offer appends the chunk to the subscriber's queue. It returns true when
// the subscriber should be evicted instead: the queue is backed up past
// maxQueue chunks, or has gone unconsumed for slowAfter.
func (s *Subscription) offer(chunk backends.Chunk, now time.Time, slowAfter time.Duration, maxQueue int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}
	if len(s.queue) > 0 && (now.Sub(s.lastPop) >= slowAfter || len(s.queue) >= maxQueue) {
		return true
	}

	s.queue = append(s.queue, chunk)
	s.kick()
	return false
}

// evict replaces any undelivered chunks with a terminal slow-consumer
// error, so the reader learns why the stream ended the moment it resumes.
func (s *Subscription) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = []backends.Chunk{{Err: apierr.New(apierr.KindSlowConsumer, "subscriber evicted: not consuming stream")}}
	s.done = true
	s.kick()
}

// finish marks the stream complete; queued chunks remain readable.
func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.kick()
}

// kick wakes a blocked Next without ever blocking the producer.
func (s *Subscription) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
