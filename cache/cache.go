// Package cache provides a bounded in-memory TTL cache with namespaced
// keys. Expiry is lazy (checked on access) and eviction at capacity is
// insertion-order: the single oldest-inserted entry is dropped before a
// new one is stored. That is deliberately simpler than LRU and sufficient
// for short-lived query-result and suggestion workloads.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the cache when no capacity is configured.
const DefaultMaxEntries = 1024

type entry struct {
	key       string // composite namespace\x00key
	value     any
	expiresAt time.Time
}

// Cache is a namespaced key/value store with per-entry TTL.
// Safe for concurrent use; entries are replaced wholesale, so the only
// guarantee under racing writers is last-writer-wins.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest inserted
	max     int
	now     func() time.Time

	hits   int64
	misses int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries sets the maximum number of entries held at once.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		max:     DefaultMaxEntries,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func compositeKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Get returns the value stored under (namespace, key). An entry whose TTL
// has passed is treated as absent and evicted on the spot.
func (c *Cache) Get(namespace, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[compositeKey(namespace, key)]
	if !ok {
		c.misses++
		return nil, false
	}

	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}

	c.hits++
	return e.value, true
}

// Set stores value under (namespace, key) for ttl. A zero or negative ttl
// is a no-op: failed or uncacheable results are never stored. Replacing an
// existing key refreshes its insertion position.
func (c *Cache) Set(namespace, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ck := compositeKey(namespace, key)
	if el, ok := c.entries[ck]; ok {
		c.removeLocked(el)
	}

	// Evict the oldest-inserted entry when at capacity.
	if c.order.Len() >= c.max {
		if oldest := c.order.Front(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	e := &entry{key: ck, value: value, expiresAt: c.now().Add(ttl)}
	c.entries[ck] = c.order.PushBack(e)
}

// ClearNamespace removes every entry in the given namespace.
// Returns the number of entries removed.
func (c *Cache) ClearNamespace(namespace string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := namespace + "\x00"
	removed := 0
	for ck, el := range c.entries {
		if strings.HasPrefix(ck, prefix) {
			c.removeLocked(el)
			removed++
		}
	}
	return removed
}

// Len returns the current number of entries, including any whose TTL has
// passed but which have not been touched since.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports cumulative hit/miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.key)
}
