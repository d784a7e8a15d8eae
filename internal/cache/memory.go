package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time. The
// fingerprint is kept on the item so eviction from the recency list can
// delete the map entry.
type memItem struct {
	fingerprint string
	data        []byte
	expiresAt   time.Time
}

// MemoryCache is an in-process LRU cache with per-entry TTL.
//
// It is safe for concurrent use. Capacity is enforced on write: inserting
// into a full cache evicts the least recently used entry. A background
// goroutine additionally sweeps expired entries so idle caches don't hold
// stale payloads until their next read.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache holding at most capacity entries
// (DefaultMemoryCapacity when capacity <= 0) and starts the sweep loop.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	c := &MemoryCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		done:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached value for the fingerprint and marks it most
// recently used. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, fingerprint string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fingerprint]
	if !ok {
		return nil, false
	}
	item := el.Value.(*memItem)
	if time.Now().After(item.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.data, true
}

// Set stores value under the fingerprint for the duration of ttl, evicting
// the least recently used entry when the cache is full. A zero or negative
// ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	expires := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[fingerprint]; ok {
		item := el.Value.(*memItem)
		item.data = value
		item.expiresAt = expires
		c.order.MoveToFront(el)
		return nil
	}

	el := c.order.PushFront(&memItem{fingerprint: fingerprint, data: value, expiresAt: expires})
	c.items[fingerprint] = el
	if c.order.Len() > c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
	return nil
}

// Delete removes the fingerprint from the cache. Returns nil if absent.
func (c *MemoryCache) Delete(_ context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[fingerprint]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been swept).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close stops the background sweep goroutine.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	item := c.order.Remove(el).(*memItem)
	delete(c.items, item.fingerprint)
}

// sweep runs once a minute and evicts all expired entries.
func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*memItem).expiresAt) {
			c.removeLocked(el)
		}
		el = prev
	}
}
