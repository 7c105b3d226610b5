package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/opinion-engine/internal/model"
)

// unlockLua deletes a lock key only if its value matches the caller's
// token, so one holder can never release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a Locker shared by every engine instance pointing at the
// same Redis. Locks are SETNX keys with a lease; the lease must outlive the
// longest critical section, otherwise a stalled holder loses exclusivity.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	lease    time.Duration
	retry    time.Duration
}

// NewRedisLocker creates a RedisLocker. lease is the key TTL; retry is the
// polling interval while the key is held elsewhere.
func NewRedisLocker(rdb *redis.Client, lease, retry time.Duration) *RedisLocker {
	if retry <= 0 {
		retry = 10 * time.Millisecond
	}
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		lease:    lease,
		retry:    retry,
	}
}

func redisKey(key string) string {
	return "lock:" + key
}

// Acquire polls SETNX until it wins or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	rk := redisKey(key)

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, rk, token, l.lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("lock %s: %w: %v", key, model.ErrLockTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w: %v", key, model.ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Background context: unlock must run even when the caller's
			// context has already been cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{rk}, token).Err()
		})
	}
	return unlock, nil
}

var _ Locker = (*RedisLocker)(nil)
