package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestRedisCache starts a miniredis server and returns a RedisCache backed
// by it plus the server handle for clock and key inspection.
func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), "gw")
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

// TestRedisGetMiss verifies that Get returns (nil, false) when the
// fingerprint is absent.
func TestRedisGetMiss(t *testing.T) {
	c, _ := newTestRedisCache(t)

	data, ok := c.Get(context.Background(), "deadbeef")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

// TestRedisSetAndGetHit verifies that a body written with Set can be read
// back byte for byte.
func TestRedisSetAndGetHit(t *testing.T) {
	c, _ := newTestRedisCache(t)

	fp := "0a1b2c3d"
	want := []byte(`{"id":"chatcmpl-1","object":"chat.completion"}`)

	if err := c.Set(context.Background(), fp, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), fp)
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

// TestRedisKeyLayout verifies entries land under "<prefix>:c:<fingerprint>".
func TestRedisKeyLayout(t *testing.T) {
	c, mr := newTestRedisCache(t)

	fp := "cafebabe"
	if err := c.Set(context.Background(), fp, []byte("body"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if !mr.Exists("gw:c:cafebabe") {
		t.Fatalf("expected key gw:c:cafebabe, have %v", mr.Keys())
	}
}

// TestRedisTTLIsSet verifies the TTL is stored by advancing miniredis time
// past it and confirming the entry expires.
func TestRedisTTLIsSet(t *testing.T) {
	c, mr := newTestRedisCache(t)

	fp := "feedface"
	ttl := 90 * time.Second

	if err := c.Set(context.Background(), fp, []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := c.Get(context.Background(), fp); !ok {
		t.Fatal("entry should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), fp); ok {
		t.Fatal("entry should have expired after TTL")
	}
}

// TestRedisDelete verifies that Delete removes an existing entry.
func TestRedisDelete(t *testing.T) {
	c, _ := newTestRedisCache(t)

	fp := "0ddba11"
	if err := c.Set(context.Background(), fp, []byte("to-be-deleted"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Delete(context.Background(), fp); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := c.Get(context.Background(), fp); ok {
		t.Fatal("entry should be gone after Delete")
	}
}

// TestRedisDeleteMissing verifies that deleting an absent entry is not an
// error.
func TestRedisDeleteMissing(t *testing.T) {
	c, _ := newTestRedisCache(t)

	if err := c.Delete(context.Background(), "ghost"); err != nil {
		t.Fatalf("Delete of missing entry returned error: %v", err)
	}
}

// TestRedisGracefulDegradationGet verifies that Get reports a miss when
// Redis is unreachable instead of surfacing an error to the request path.
func TestRedisGracefulDegradationGet(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), "gw")
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	data, ok := c.Get(context.Background(), "any")
	if ok {
		t.Fatal("expected miss when Redis is down, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data when Redis is down, got %v", data)
	}
}

// TestRedisGracefulDegradationSet verifies that Set returns nil when Redis
// is unreachable so the request that produced the body still succeeds.
func TestRedisGracefulDegradationSet(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), "gw")
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	if err := c.Set(context.Background(), "any", []byte("value"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on Redis error, got: %v", err)
	}
}

// TestRedisCacheInvalidURL verifies that an invalid Redis URL is rejected.
func TestRedisCacheInvalidURL(t *testing.T) {
	_, err := NewRedisCacheFromURL(context.Background(), "not-a-valid-url", "gw")
	if err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

// TestCacheImplementations is a compile-time assertion that both backends
// satisfy the Cache interface.
func TestCacheImplementations(t *testing.T) {
	var _ Cache = (*RedisCache)(nil)
	var _ Cache = (*MemoryCache)(nil)
}
