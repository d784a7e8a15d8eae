package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestUnaryConcurrentCallersOneUpstreamCall verifies that identical
// concurrent calls share a single compute invocation and all receive the
// same result, with exactly one caller reporting as leader.
func TestUnaryConcurrentCallersOneUpstreamCall(t *testing.T) {
	g := NewGroup[string](0)

	var calls atomic.Int32
	computeStarted := make(chan struct{})
	proceed := make(chan struct{})

	compute := func(context.Context) (string, error) {
		calls.Add(1)
		close(computeStarted)
		<-proceed
		return "shared-result", nil
	}

	const callers = 50

	var wg sync.WaitGroup
	results := make([]string, callers)
	shared := make([]bool, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], shared[0], errs[0] = g.Do(context.Background(), "fp", compute)
	}()

	<-computeStarted
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], shared[i], errs[i] = g.Do(context.Background(), "fp", compute)
		}(i)
	}

	// Give the followers time to attach before releasing the leader.
	time.Sleep(100 * time.Millisecond)
	close(proceed)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("compute ran %d times, want 1", n)
	}

	leaders := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "shared-result" {
			t.Fatalf("caller %d got %q", i, results[i])
		}
		if !shared[i] {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("got %d leaders, want 1", leaders)
	}

	if g.Inflight() != 0 {
		t.Fatalf("Inflight = %d after completion, want 0", g.Inflight())
	}
}

// TestUnaryErrorSharedWithAllCallers verifies that a failed compute
// delivers the same error to the leader and every waiter.
func TestUnaryErrorSharedWithAllCallers(t *testing.T) {
	g := NewGroup[string](0)

	upstreamErr := errors.New("backend exploded")
	computeStarted := make(chan struct{})
	proceed := make(chan struct{})

	compute := func(context.Context) (string, error) {
		close(computeStarted)
		<-proceed
		return "", upstreamErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, errs[0] = g.Do(context.Background(), "fp", compute)
	}()
	<-computeStarted
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), "fp", compute)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(proceed)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, upstreamErr) {
			t.Fatalf("caller %d got %v, want upstream error", i, err)
		}
	}
}

// TestUnaryLeaderDisconnectKeepsWaiters verifies that the caller that
// started the compute can give up without aborting it for the others.
func TestUnaryLeaderDisconnectKeepsWaiters(t *testing.T) {
	g := NewGroup[string](0)

	computeStarted := make(chan struct{})
	proceed := make(chan struct{})
	var computeCtxErr error

	compute := func(ctx context.Context) (string, error) {
		close(computeStarted)
		<-proceed
		computeCtxErr = ctx.Err()
		return "result", nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := g.Do(leaderCtx, "fp", compute)
		leaderErr <- err
	}()
	<-computeStarted

	followerRes := make(chan string, 1)
	go func() {
		v, _, err := g.Do(context.Background(), "fp", compute)
		if err != nil {
			t.Errorf("follower: %v", err)
		}
		followerRes <- v
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader got %v, want context.Canceled", err)
	}

	close(proceed)
	if v := <-followerRes; v != "result" {
		t.Fatalf("follower got %q, want %q", v, "result")
	}
	if computeCtxErr != nil {
		t.Fatalf("compute context ended early: %v", computeCtxErr)
	}
}

// TestUnaryLastWaiterGoneCancelsCompute verifies that the upstream call is
// canceled once nobody is waiting for its result.
func TestUnaryLastWaiterGoneCancelsCompute(t *testing.T) {
	g := NewGroup[string](0)

	computeStarted := make(chan struct{})
	computeCanceled := make(chan struct{})

	compute := func(ctx context.Context) (string, error) {
		close(computeStarted)
		<-ctx.Done()
		close(computeCanceled)
		return "", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "fp", compute)
		done <- err
	}()
	<-computeStarted

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("caller got %v, want context.Canceled", err)
	}

	select {
	case <-computeCanceled:
	case <-time.After(2 * time.Second):
		t.Fatal("compute context was not canceled after last waiter left")
	}
}

// TestUnarySequentialCallsRunSeparately verifies that coalescing only
// merges calls that overlap in time.
func TestUnarySequentialCallsRunSeparately(t *testing.T) {
	g := NewGroup[int](0)

	var calls atomic.Int32
	compute := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	v1, shared1, err := g.Do(context.Background(), "fp", compute)
	if err != nil || shared1 || v1 != 1 {
		t.Fatalf("first call: v=%d shared=%v err=%v", v1, shared1, err)
	}
	v2, shared2, err := g.Do(context.Background(), "fp", compute)
	if err != nil || shared2 || v2 != 2 {
		t.Fatalf("second call: v=%d shared=%v err=%v", v2, shared2, err)
	}
}

// TestUnaryDistinctFingerprintsDoNotCoalesce verifies isolation between
// different fingerprints.
func TestUnaryDistinctFingerprintsDoNotCoalesce(t *testing.T) {
	g := NewGroup[string](0)

	var calls atomic.Int32
	block := make(chan struct{})
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		<-block
		return "v", nil
	}

	var wg sync.WaitGroup
	for _, fp := range []string{"fp-a", "fp-b"} {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			_, _, _ = g.Do(context.Background(), fp, compute)
		}(fp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("calls = %d, want 2", calls.Load())
		}
		time.Sleep(time.Millisecond)
	}
	close(block)
	wg.Wait()
}

// TestUnaryTimeoutCapsCompute verifies the group timeout ends a compute
// even while callers are still waiting.
func TestUnaryTimeoutCapsCompute(t *testing.T) {
	g := NewGroup[string](30 * time.Millisecond)

	compute := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, _, err := g.Do(context.Background(), "fp", compute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}
