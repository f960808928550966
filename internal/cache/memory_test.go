package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryCache(maxEntries int) (*MemoryCache, *fakeClock) {
	clk := newFakeClock(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	return NewMemoryCache(maxEntries, clk, zerolog.Nop()), clk
}

func TestMemoryCacheSetGet(t *testing.T) {
	c, _ := newTestMemoryCache(10)

	if !c.Set("a", []byte("one"), time.Hour) {
		t.Fatal("Set returned false")
	}
	got, ok := c.Get("a")
	if !ok {
		t.Fatal("Get miss for existing key")
	}
	if string(got) != "one" {
		t.Errorf("Get = %q, want %q", got, "one")
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get hit for missing key")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c, clk := newTestMemoryCache(10)

	c.Set("a", []byte("one"), time.Minute)
	clk.Advance(2 * time.Minute)

	if _, ok := c.Get("a"); ok {
		t.Error("expired entry still readable")
	}
	if n := c.Size(); n != 0 {
		t.Errorf("Size = %d after expiry, want 0", n)
	}
}

func TestMemoryCacheSetOverwrite(t *testing.T) {
	c, _ := newTestMemoryCache(10)

	c.Set("a", []byte("one"), time.Hour)
	c.Set("a", []byte("two"), time.Hour)

	got, ok := c.Get("a")
	if !ok || string(got) != "two" {
		t.Errorf("Get = %q, %v, want %q", got, ok, "two")
	}
	if n := c.Size(); n != 1 {
		t.Errorf("Size = %d, want 1", n)
	}
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c, _ := newTestMemoryCache(10)

	for i := 1; i <= 10; i++ {
		c.Set(fmt.Sprintf("entry-%d", i), []byte("v"), time.Hour)
	}

	// Touch entry 3 so it becomes the most recently used.
	if _, ok := c.Get("entry-3"); !ok {
		t.Fatal("entry-3 missing before eviction")
	}

	// At capacity, one insert evicts 10/5 = 2 of the least recently used
	// entries (1 and 2) and never the freshly touched entry-3.
	c.Set("entry-11", []byte("v"), time.Hour)

	for _, key := range []string{"entry-1", "entry-2"} {
		if _, ok := c.Get(key); ok {
			t.Errorf("%s survived eviction", key)
		}
	}
	for _, key := range []string{"entry-3", "entry-10", "entry-11"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("%s was evicted", key)
		}
	}
	if n := c.Size(); n != 9 {
		t.Errorf("Size = %d after eviction, want 9", n)
	}
}

func TestMemoryCacheEvictsExpiredBeforeLRU(t *testing.T) {
	c, clk := newTestMemoryCache(5)

	c.Set("short", []byte("v"), time.Minute)
	for i := 0; i < 4; i++ {
		c.Set(fmt.Sprintf("long-%d", i), []byte("v"), time.Hour)
	}
	clk.Advance(5 * time.Minute)

	// The expired entry is purged on write, so no live entry is evicted.
	c.Set("new", []byte("v"), time.Hour)

	for i := 0; i < 4; i++ {
		if _, ok := c.Get(fmt.Sprintf("long-%d", i)); !ok {
			t.Errorf("long-%d was evicted despite expired entry being available", i)
		}
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("new entry missing")
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	c, _ := newTestMemoryCache(10)

	c.Set("a", []byte("one"), time.Hour)
	if !c.Delete("a") {
		t.Error("Delete returned false for existing key")
	}
	if c.Delete("a") {
		t.Error("Delete returned true for missing key")
	}
	if _, ok := c.Get("a"); ok {
		t.Error("deleted entry still readable")
	}
}

func TestMemoryCacheClear(t *testing.T) {
	c, _ := newTestMemoryCache(10)

	c.Set("a", []byte("one"), time.Hour)
	c.Set("b", []byte("two"), time.Hour)
	c.Clear()

	if n := c.Size(); n != 0 {
		t.Errorf("Size = %d after Clear, want 0", n)
	}
}

func TestMemoryCacheKeysMRUFirst(t *testing.T) {
	c, _ := newTestMemoryCache(10)

	c.Set("a", []byte("1"), time.Hour)
	c.Set("b", []byte("2"), time.Hour)
	c.Set("c", []byte("3"), time.Hour)
	c.Get("a")

	keys := c.Keys()
	if len(keys) != 3 {
		t.Fatalf("Keys len = %d, want 3", len(keys))
	}
	if keys[0] != "a" {
		t.Errorf("Keys[0] = %q, want most recently used %q", keys[0], "a")
	}
}
