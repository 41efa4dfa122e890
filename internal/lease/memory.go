package lease

import (
	"context"
	"sync"
)

// Memory is a process-local Locker. Each key maps to a one-slot channel;
// entries are dropped once no holder or waiter references them.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*slot)}
}

func (m *Memory) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.locks[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.locks[key] = s
	}
	s.refs++
	return s
}

func (m *Memory) unref(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.locks, key)
	}
}

// TryAcquire takes the key if it is free.
func (m *Memory) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	s := m.ref(key)
	select {
	case s.ch <- struct{}{}:
		return &memoryLease{m: m, key: key, s: s}, true, nil
	default:
		m.unref(key, s)
		return nil, false, nil
	}
}

// Acquire waits for the key.
func (m *Memory) Acquire(ctx context.Context, key string) (Lease, error) {
	s := m.ref(key)
	select {
	case s.ch <- struct{}{}:
		return &memoryLease{m: m, key: key, s: s}, nil
	case <-ctx.Done():
		m.unref(key, s)
		return nil, ctx.Err()
	}
}

// Held returns the number of keys currently locked or awaited.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

type memoryLease struct {
	m    *Memory
	key  string
	s    *slot
	once sync.Once
}

func (l *memoryLease) Release(ctx context.Context) error {
	err := ErrNotHeld
	l.once.Do(func() {
		<-l.s.ch
		l.m.unref(l.key, l.s)
		err = nil
	})
	return err
}
