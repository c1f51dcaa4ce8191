package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	tripLockPrefix     = "lock:trip:"
	lockRetryInterval  = 25 * time.Millisecond
	lockReleaseTimeout = 2 * time.Second
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired holder never frees a lock that has passed to someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// LockStore handles distributed locking in Redis.
type LockStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLockStore creates a new LockStore. Locks expire after ttl if the holder dies.
func NewLockStore(client *redis.Client, ttl time.Duration) *LockStore {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &LockStore{client: client, ttl: ttl}
}

// Acquire tries once to take key. It returns the token to release it with,
// or "" if the lock is held elsewhere.
func (s *LockStore) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, s.ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release frees key if it is still held with token.
func (s *LockStore) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, s.client, []string{key}, token).Err()
}

// Lock blocks until the trip lock is taken or ctx is done.
func (s *LockStore) Lock(ctx context.Context, tripID string) (func(), error) {
	key := tripLockPrefix + tripID

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		token, err := s.Acquire(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if token != "" {
			return func() {
				// The caller's context may already be gone.
				releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
				defer cancel()
				_ = s.Release(releaseCtx, key, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
