package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lease key only when it still holds our token, so
// a replica whose lease expired cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lease is a single-holder lock backed by a Redis key with a TTL. Only the
// replica holding the lease runs reconciliation; the TTL bounds how long a
// crashed holder can block the next run.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewLease creates a lease on the given key.
func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString(),
	}
}

// Acquire attempts to take the lease. It returns false when another holder
// has it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Release gives the lease back if we still hold it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

// Held reports whether any holder (including us) currently has the lease.
func (l *Lease) Held(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lease %s: %w", l.key, err)
	}
	return n > 0, nil
}
