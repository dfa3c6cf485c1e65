package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if it still belongs to the caller.
// KEYS[1] = lease key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLeaseNotAcquired is returned when the lease could not be taken before the deadline.
var ErrLeaseNotAcquired = errors.New("lease not acquired")

// RedisLocker holds a per-account lease in Redis so settlement is serialised
// across service instances.
type RedisLocker struct {
	client   redis.UniversalClient
	ttl      time.Duration
	interval time.Duration
	prefix   string
}

// NewRedisLocker creates a locker backed by the given client.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client:   client,
		ttl:      ttl,
		interval: 25 * time.Millisecond,
		prefix:   "settlement:lock:",
	}
}

// NewRedisClient builds the client used by NewRedisLocker.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (l *RedisLocker) key(account string) string {
	return l.prefix + account
}

// Lock polls SET NX until the lease is taken or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, account string) (func(), error) {
	key := l.key(account)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLeaseNotAcquired, key, ctx.Err())
		case <-time.After(l.interval):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				slog.Warn("⚠️ [LOCK] failed to release lease, it will expire", "key", key, "error", err)
			}
		})
	}, nil
}
