package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "kestrel:lease:"

// Redis is a Locker backed by Redis leases, for orchestrators running in
// several processes against one repository. A lease expires after its TTL,
// which must exceed the stage timeout.
type Redis struct {
	client  redis.UniversalClient
	locker  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	owned   bool
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisWithClient(client, ttl)
	r.owned = true
	return r, nil
}

// NewRedisWithClient wraps an existing client. The caller keeps ownership.
func NewRedisWithClient(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{
		client:  client,
		locker:  redislock.New(client),
		ttl:     ttl,
		backoff: 50 * time.Millisecond,
	}
}

// TryAcquire makes a single attempt to obtain the lease.
func (r *Redis) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	lock, err := r.locker.Obtain(ctx, keyPrefix+key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain lease %s: %w", key, err)
	}
	return &redisLease{key: key, lock: lock}, true, nil
}

// Acquire retries with linear backoff until the lease is obtained or ctx
// expires. Without a ctx deadline redislock gives up after one TTL.
func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	lock, err := r.locker.Obtain(ctx, keyPrefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.backoff),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("obtain lease %s: %w", key, err)
	}
	return &redisLease{key: key, lock: lock}, nil
}

// Close closes the client if it was created by NewRedis.
func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

type redisLease struct {
	key  string
	lock *redislock.Lock
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		slog.Warn("lease expired before release", "case_id", l.key)
		return ErrNotHeld
	}
	return err
}
