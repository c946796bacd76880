// Package lock provides the Redis lease used to serialise one booking scope
// across several service instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when the context ends before the lease is won.
var ErrNotAcquired = errors.New("lock not acquired")

// unlockScript deletes the key only while it still carries our token, so an
// expired lease taken over by another instance is never released by us.
var unlockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker hands out leases with SET NX PX.  A lease expires on its own
// after TTL, which bounds how long a crashed holder can block a scope.
type RedisLocker struct {
	rdb   redis.Cmdable
	ttl   time.Duration
	retry time.Duration
	log   *zap.Logger
	token func() string
}

// NewRedisLocker returns a locker whose leases last ttl.
func NewRedisLocker(rdb redis.Cmdable, ttl time.Duration, log *zap.Logger) *RedisLocker {
	return &RedisLocker{
		rdb:   rdb,
		ttl:   ttl,
		retry: 25 * time.Millisecond,
		log:   log.Named("lock"),
		token: uuid.NewString,
	}
}

// Acquire blocks until the lease on key is won or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := l.token()
	wait := l.retry
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-time.After(wait):
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	// the caller's context may already be done; release on our own budget
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := unlockScript.Run(ctx, l.rdb, []string{key}, token).Int()
	if err != nil {
		l.log.Warn("release lock", zap.String("key", key), zap.Error(err))
		return
	}
	if n == 0 {
		l.log.Warn("lock lease expired before release", zap.String("key", key))
	}
}
