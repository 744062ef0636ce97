package fulfillment

import (
	"context"
	"time"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
)

// Lock is a lease held for the duration of one Fulfill call.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFunc builds the lock guarding one checkout reference.
type LockFunc func(reference string) (Lock, error)

// RedisLocks keys a lease per reference under fulfillment:<reference>.
func RedisLocks(client *redis.Client, ttl time.Duration) LockFunc {
	return func(reference string) (Lock, error) {
		return redis.NewLock(client, client.LockKey("fulfillment", reference), ttl)
	}
}
