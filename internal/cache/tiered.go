package cache

import "time"

// TieredCache layers a memory cache over a disk cache: reads hit memory
// first and promote disk hits, writes go to both tiers. Either tier failing
// still leaves the other serving.
type TieredCache struct {
	memory Backend
	disk   Backend
}

// NewTieredCache combines the two tiers. disk may be nil, leaving a
// memory-only cache.
func NewTieredCache(memory, disk Backend) *TieredCache {
	return &TieredCache{memory: memory, disk: disk}
}

func (c *TieredCache) Get(key string) ([]byte, bool) {
	if value, ok := c.memory.Get(key); ok {
		return value, true
	}
	if c.disk == nil {
		return nil, false
	}
	value, ok := c.disk.Get(key)
	if !ok {
		return nil, false
	}
	// Promotion uses a short TTL; the disk entry keeps the authoritative one.
	c.memory.Set(key, value, 15*time.Minute)
	return value, true
}

func (c *TieredCache) Set(key string, value []byte, ttl time.Duration) bool {
	ok := c.memory.Set(key, value, ttl)
	if c.disk != nil {
		ok = c.disk.Set(key, value, ttl) || ok
	}
	return ok
}

func (c *TieredCache) Delete(key string) bool {
	deleted := c.memory.Delete(key)
	if c.disk != nil {
		deleted = c.disk.Delete(key) || deleted
	}
	return deleted
}

func (c *TieredCache) Clear() {
	c.memory.Clear()
	if c.disk != nil {
		c.disk.Clear()
	}
}

func (c *TieredCache) Size() int {
	if c.disk != nil {
		return c.disk.Size()
	}
	return c.memory.Size()
}

func (c *TieredCache) Keys() []string {
	if c.disk != nil {
		return c.disk.Keys()
	}
	return c.memory.Keys()
}
