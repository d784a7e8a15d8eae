// Package cache provides the one-shot response cache keyed by request
// fingerprint.
//
// Two backends are available:
//   - RedisCache  — shared across replicas, recommended for clusters.
//   - MemoryCache — in-process LRU with per-entry TTL, zero external
//     dependencies. Ideal for single-instance deployments or tests.
//
// Values are opaque serialized response bodies; only non-streaming
// completions are ever stored. Both backends degrade gracefully: a broken
// cache turns into misses and dropped writes, never request failures.
package cache

import (
	"context"
	"time"
)

// DefaultMemoryCapacity bounds the in-process backend when no explicit
// capacity is configured.
const DefaultMemoryCapacity = 1024

type Cache interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool)
	Set(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
	Close() error
}
