package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestInMemoryCache_TTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewInMemoryCacheWithClock[string, int](time.Hour, clock)
	defer c.Stop()

	c.Set("a", 1, 0)
	c.Set("b", 2, time.Minute)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}
	clock.Advance(2 * time.Minute)
	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should have expired")
	}

	seen := 0
	c.Range(func(k string, v int) bool {
		seen++
		return true
	})
	if seen != 1 {
		t.Fatalf("Range should skip expired items, saw %d", seen)
	}

	c.cleanup()
	if c.Size() != 1 {
		t.Fatalf("cleanup should drop expired items, size=%d", c.Size())
	}
	c.Delete("a")
	if c.Size() != 0 {
		t.Fatalf("expected empty cache")
	}
}
