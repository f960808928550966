package cache

import "time"

// Backend is the key/value contract shared by the memory and disk caches.
// Values are opaque byte slices; callers handle serialization. Backends never
// surface I/O or decode failures to callers: a broken entry reads as a miss
// and a failed write reports false, so a cold or faulty cache only costs a
// re-fetch, never a failed request.
type Backend interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) bool
	Delete(key string) bool
	Clear()
	Size() int
	Keys() []string
}
