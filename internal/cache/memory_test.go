package cache

import (
	"context"
	"testing"
	"time"
)

func newTestMemoryCache(t *testing.T, capacity int) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(capacity)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// expireNow rewinds an entry's expiry so tests don't sleep through real TTLs.
func expireNow(t *testing.T, c *MemoryCache, fingerprint string) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[fingerprint]
	if !ok {
		t.Fatalf("entry %q not found", fingerprint)
	}
	el.Value.(*memItem).expiresAt = time.Now().Add(-time.Second)
}

func TestMemorySetAndGet(t *testing.T) {
	c := newTestMemoryCache(t, 4)

	want := []byte(`{"id":"chatcmpl-2"}`)
	if err := c.Set(context.Background(), "fp-1", want, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), "fp-1")
	if !ok {
		t.Fatal("expected hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

func TestMemoryGetMiss(t *testing.T) {
	c := newTestMemoryCache(t, 4)

	if _, ok := c.Get(context.Background(), "absent"); ok {
		t.Fatal("expected miss for absent fingerprint")
	}
}

// TestMemoryEvictsLeastRecentlyUsed fills a 2-entry cache, touches the
// older entry, and verifies the untouched one is evicted by the next write.
func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 2)

	_ = c.Set(ctx, "fp-a", []byte("a"), time.Minute)
	_ = c.Set(ctx, "fp-b", []byte("b"), time.Minute)

	// fp-a becomes most recently used.
	if _, ok := c.Get(ctx, "fp-a"); !ok {
		t.Fatal("fp-a should be present")
	}

	_ = c.Set(ctx, "fp-c", []byte("c"), time.Minute)

	if _, ok := c.Get(ctx, "fp-b"); ok {
		t.Fatal("fp-b should have been evicted as least recently used")
	}
	if _, ok := c.Get(ctx, "fp-a"); !ok {
		t.Fatal("fp-a should have survived eviction")
	}
	if _, ok := c.Get(ctx, "fp-c"); !ok {
		t.Fatal("fp-c should be present")
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

// TestMemoryUpdateExisting verifies rewriting a fingerprint replaces the
// value without growing the cache.
func TestMemoryUpdateExisting(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 4)

	_ = c.Set(ctx, "fp-1", []byte("old"), time.Minute)
	_ = c.Set(ctx, "fp-1", []byte("new"), time.Minute)

	got, ok := c.Get(ctx, "fp-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "new" {
		t.Fatalf("Get returned %q, want %q", got, "new")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

// TestMemoryTTLExpiry verifies expired entries read as misses and are
// removed on access.
func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 4)

	_ = c.Set(ctx, "fp-1", []byte("payload"), 90*time.Second)
	expireNow(t, c, "fp-1")

	if _, ok := c.Get(ctx, "fp-1"); ok {
		t.Fatal("expired entry should read as a miss")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d after lazy expiry, want 0", c.Len())
	}
}

// TestMemoryEvictExpired verifies the sweep removes expired entries while
// keeping live ones.
func TestMemoryEvictExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 4)

	_ = c.Set(ctx, "fp-stale", []byte("stale"), time.Minute)
	_ = c.Set(ctx, "fp-live", []byte("live"), time.Minute)
	expireNow(t, c, "fp-stale")

	c.evictExpired()

	if _, ok := c.Get(ctx, "fp-stale"); ok {
		t.Fatal("expired entry should have been swept")
	}
	if _, ok := c.Get(ctx, "fp-live"); !ok {
		t.Fatal("live entry should have survived the sweep")
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 4)

	_ = c.Set(ctx, "fp-1", []byte("x"), time.Minute)
	if err := c.Delete(ctx, "fp-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "fp-1"); ok {
		t.Fatal("entry should be gone after Delete")
	}
	if err := c.Delete(ctx, "fp-1"); err != nil {
		t.Fatalf("Delete of missing entry returned error: %v", err)
	}
}

func TestMemoryDefaultCapacity(t *testing.T) {
	c := newTestMemoryCache(t, 0)
	if c.capacity != DefaultMemoryCapacity {
		t.Fatalf("capacity = %d, want %d", c.capacity, DefaultMemoryCapacity)
	}
}

func TestMemoryCloseIdempotent(t *testing.T) {
	c := NewMemoryCache(4)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
