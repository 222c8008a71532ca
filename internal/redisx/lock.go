package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-groupbuy-orders/internal/lock"
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a lock.Locker shared by every engine process. Each key is SET NX PX with a
// random owner token; the TTL bounds how long a crashed holder can block others.
type Locker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{rdb: rdb, ttl: ttl, retry: 25 * time.Millisecond}
}

var _ lock.Locker = (*Locker)(nil)

func (l *Locker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = lock.Normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// release must not be cut short by the caller's cancelled context
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = releaseScript.Run(rctx, l.rdb, []string{LockKey(held[i])}, token).Err()
		}
	}

	for _, k := range keys {
		if err := l.acquire(ctx, LockKey(k), token); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}
	return release, nil
}

func (l *Locker) acquire(ctx context.Context, key, token string) error {
	t := time.NewTicker(l.retry)
	defer t.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
