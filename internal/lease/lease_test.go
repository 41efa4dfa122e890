package lease

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestMemory_TryAcquire(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	l, ok, err := m.TryAcquire(ctx, "case-1")
	if err != nil || !ok {
		t.Fatalf("first TryAcquire: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := m.TryAcquire(ctx, "case-1"); ok {
		t.Fatal("second TryAcquire on a held key should fail")
	}

	other, ok, _ := m.TryAcquire(ctx, "case-2")
	if !ok {
		t.Fatal("TryAcquire on a different key should succeed")
	}
	_ = other.Release(ctx)

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := l.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("double Release: err = %v, want ErrNotHeld", err)
	}

	if _, ok, _ := m.TryAcquire(ctx, "case-1"); !ok {
		t.Fatal("TryAcquire after release should succeed")
	}
}

func TestMemory_AcquireWaits(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	held, _ := m.Acquire(ctx, "case-1")
	acquired := make(chan struct{})
	go func() {
		l, err := m.Acquire(ctx, "case-1")
		if err == nil {
			close(acquired)
			_ = l.Release(ctx)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire returned while the key was held")
	case <-time.After(50 * time.Millisecond):
	}

	_ = held.Release(ctx)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after release")
	}
}

func TestMemory_AcquireContextDone(t *testing.T) {
	m := NewMemory()
	held, _ := m.Acquire(context.Background(), "case-1")
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.Acquire(ctx, "case-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestMemory_MutualExclusion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(ctx, "case-1")
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			_ = l.Release(ctx)
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
	if got := m.Held(); got != 0 {
		t.Errorf("Held() = %d after all releases, want 0", got)
	}
}

func TestNew(t *testing.T) {
	l, err := New(domain.LeaseConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := l.(*Memory); !ok {
		t.Errorf("got %T, want *Memory", l)
	}

	if _, err := New(domain.LeaseConfig{Type: "zookeeper"}); err == nil {
		t.Error("expected error for unsupported lease type")
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("KESTREL_TEST_REDIS")
	if addr == "" {
		t.Skip("KESTREL_TEST_REDIS not set")
	}

	r, err := NewRedis(addr, 5*time.Second)
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()
	key := "test-" + time.Now().Format("150405.000000")

	l, ok, err := r.TryAcquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := r.TryAcquire(ctx, key); ok {
		t.Fatal("second TryAcquire should fail")
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	l2, err := r.Acquire(waitCtx, key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	_ = l2.Release(ctx)
}
