package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// fakeClock is advanced manually so TTL tests do not sleep.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedLRU(size int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRUCache(size)
	c.now = clock.now
	return c, clock
}

func TestLRUCache(t *testing.T) {
	cache, clock := newClockedLRU(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)
		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Second)
		if val, _ := cache.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}
		clock.advance(11 * time.Second)
		if val, _ := cache.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)
		_ = small.Set(ctx, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, "c", []byte("3"), time.Minute)

		// 'a' becomes most recently used
		_, _ = small.Get(ctx, "a")
		_ = small.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("RequiresKey", func(t *testing.T) {
		if err := cache.Set(ctx, "", []byte("value"), time.Minute); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
		if _, err := cache.Get(ctx, ""); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		window := time.Minute

		if n, err := cache.IncrementCounter(ctx, "cases", window); err != nil || n != 1 {
			t.Fatalf("expected 1, got %d (%v)", n, err)
		}
		if n, _ := cache.IncrementCounter(ctx, "cases", window); n != 2 {
			t.Errorf("expected count 2, got %d", n)
		}

		clock.advance(2 * window)
		if n, _ := cache.IncrementCounter(ctx, "cases", window); n != 1 {
			t.Errorf("expected count 1 after window reset, got %d", n)
		}
	})

	t.Run("Features", func(t *testing.T) {
		f := &domain.BehaviorFeatures{CustomerID: "cust-1", Mean: 250.5, StdDev: 40, SampleSize: 90}
		if err := cache.SetFeatures(ctx, "cust-1", f, time.Minute); err != nil {
			t.Fatalf("SetFeatures failed: %v", err)
		}
		got, err := cache.GetFeatures(ctx, "cust-1")
		if err != nil {
			t.Fatalf("GetFeatures failed: %v", err)
		}
		if diff := cmp.Diff(f, got); diff != "" {
			t.Errorf("features mismatch (-want +got):\n%s", diff)
		}

		missing, err := cache.GetFeatures(ctx, "cust-unknown")
		if err != nil || missing != nil {
			t.Errorf("expected nil, nil on miss, got %v, %v", missing, err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats := NewLRUCache(50)
		_ = stats.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = stats.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := stats.Stats()
		if size != 2 || capacity != 50 {
			t.Errorf("expected 2/50, got %d/%d", size, capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, "k", []byte("v"), time.Minute)
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	addr := os.Getenv("KESTREL_TEST_REDIS")
	if addr == "" {
		t.Skip("KESTREL_TEST_REDIS not set")
	}

	c, err := NewTwoPhaseCache(domain.CacheConfig{RedisAddr: addr, LocalMaxSize: 10, LocalTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewTwoPhaseCache failed: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "two-phase", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// Drop L1 so the read is served by Redis and repopulates L1
	_ = c.local.Delete(ctx, "two-phase")

	val, err := c.Get(ctx, "two-phase")
	if err != nil || string(val) != "v" {
		t.Fatalf("expected 'v' from L2, got %q (%v)", val, err)
	}
	if local, _ := c.local.Get(ctx, "two-phase"); string(local) != "v" {
		t.Error("expected L1 to be repopulated")
	}
	_ = c.Delete(ctx, "two-phase")
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
