// Package lease provides per-case advisory locks that serialize stage
// execution and approval resolution.
package lease

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNotHeld is returned when releasing a lease that is no longer held.
var ErrNotHeld = errors.New("lease not held")

// Lease is a held lock on one key.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases keyed by case id.
type Locker interface {
	// TryAcquire returns immediately; ok is false when another holder has the key.
	TryAcquire(ctx context.Context, key string) (l Lease, ok bool, err error)

	// Acquire blocks until the key is free or ctx is done.
	Acquire(ctx context.Context, key string) (Lease, error)

	Close() error
}

// New creates a Locker from configuration.
func New(cfg domain.LeaseConfig) (Locker, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.RedisAddr, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported lease type: %s", cfg.Type)
	}
}
