package idempotent

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// UnlockFunc 釋放鎖
type UnlockFunc func(ctx context.Context) error

// Locker 以冪等鍵取得跨程序互斥鎖
type Locker interface {
	Lock(ctx context.Context, key string) (UnlockFunc, error)
}

// RedisLocker 以 redsync 實作的分散式鎖
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
	tries  int
}

// NewRedisLocker expiry 應大於單次執行的最長時間
func NewRedisLocker(client *redis.Client, prefix string, expiry time.Duration, tries int) *RedisLocker {
	if expiry <= 0 {
		expiry = DefaultInFlightWait
	}
	if tries <= 0 {
		tries = 32
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		expiry: expiry,
		tries:  tries,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	mutex := l.rs.NewMutex(l.prefix+key, redsync.WithExpiry(l.expiry), redsync.WithTries(l.tries))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		_, err := mutex.UnlockContext(ctx)
		return err
	}, nil
}
