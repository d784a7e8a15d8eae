package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTimeout = 500 * time.Millisecond

// RedisCache is a Redis-backed cache shared between gateway replicas.
// Entries live under "<prefix>:c:<fingerprint_hex>".
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error so the request path never fails.
//   - Delete returns the underlying error so callers can log/handle it.
type RedisCache struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration
	ownsClient   bool
}

// NewRedisCacheFromClient wraps an existing Redis client. The caller owns
// the client lifecycle; Close on the returned cache is a no-op.
func NewRedisCacheFromClient(redisCli *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: redisCli, prefix: prefix, queryTimeout: defaultCacheTimeout}
}

// NewRedisCacheFromURL parses redisURL, creates a Redis client, verifies
// the connection with a PING, and returns a RedisCache that owns the
// client.
func NewRedisCacheFromURL(ctx context.Context, redisURL, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	c := NewRedisCacheFromClient(cli, prefix)
	c.ownsClient = true
	return c, nil
}

// Get retrieves the cached body for the fingerprint.
// Returns (data, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN level but not propagated.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(fingerprint)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under the fingerprint with the given TTL.
// Returns nil even on Redis error; a lost write only costs a future miss.
func (c *RedisCache) Set(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key(fingerprint), value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes the fingerprint from Redis.
// Returns the underlying error so callers can decide how to handle it.
func (c *RedisCache) Delete(ctx context.Context, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", fingerprint, err)
	}

	return nil
}

// Close releases the Redis connection pool when this cache owns it.
func (c *RedisCache) Close() error {
	if !c.ownsClient {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) key(fingerprint string) string {
	return c.prefix + ":c:" + fingerprint
}
