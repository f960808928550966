package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bgdnvk/cloudcost/internal/clock"
)

// MemoryCache is a bounded in-process cache with per-entry TTLs and strict
// LRU eviction. Expired entries are purged ahead of every read and write;
// when an insert finds the cache full, the least-recently-accessed 20% of
// entries (at least one) are evicted first.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	clock      clock.Clock
	logger     zerolog.Logger
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates a cache holding at most maxEntries entries.
func NewMemoryCache(maxEntries int, clk clock.Clock, logger zerolog.Logger) *MemoryCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		clock:      clk,
		logger:     logger.With().Str("component", "memory-cache").Logger(),
	}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*memoryEntry).value, true
}

func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()

	expiresAt := c.clock.Now().Add(ttl)

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return true
	}

	if len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}

	elem := c.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = elem
	return true
}

func (c *MemoryCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(elem)
	delete(c.entries, key)
	return true
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()
	return len(c.entries)
}

func (c *MemoryCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()
	keys := make([]string, 0, len(c.entries))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*memoryEntry).key)
	}
	return keys
}

// purgeExpired drops every entry whose TTL has elapsed. Caller holds the lock.
func (c *MemoryCache) purgeExpired() {
	now := c.clock.Now()
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*memoryEntry)
		if now.After(entry.expiresAt) {
			c.order.Remove(elem)
			delete(c.entries, entry.key)
		}
		elem = prev
	}
}

// evictLRU removes the least-recently-used 20% of entries, at least one.
// Caller holds the lock.
func (c *MemoryCache) evictLRU() {
	n := len(c.entries) / 5
	if n < 1 {
		n = 1
	}
	c.logger.Debug().Int("evicting", n).Int("size", len(c.entries)).Msg("cache at capacity")
	for i := 0; i < n; i++ {
		elem := c.order.Back()
		if elem == nil {
			return
		}
		entry := elem.Value.(*memoryEntry)
		c.order.Remove(elem)
		delete(c.entries, entry.key)
	}
}
