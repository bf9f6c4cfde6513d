package loom

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ RunLocker = (*RedisRunLocker)(nil)

const (
	defaultLockTTL       = 30 * time.Second
	defaultLockRetryWait = 10 * time.Millisecond
	lockKeyPrefix        = "loom:run-lock:"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLocker is a token lock (SET NX PX) usable by engines in different
// processes that share a store.
type RedisRunLocker struct {
	client    redis.UniversalClient
	ttl       time.Duration
	retryWait time.Duration
	logger    *zap.Logger
}

type RedisRunLockerOption func(locker *RedisRunLocker)

func WithRedisLockTTL(ttl time.Duration) RedisRunLockerOption {
	return func(locker *RedisRunLocker) {
		if ttl > 0 {
			locker.ttl = ttl
		}
	}
}

func WithRedisLockRetryWait(d time.Duration) RedisRunLockerOption {
	return func(locker *RedisRunLocker) {
		if d > 0 {
			locker.retryWait = d
		}
	}
}

func WithRedisLockLogger(logger *zap.Logger) RedisRunLockerOption {
	return func(locker *RedisRunLocker) {
		locker.logger = logger
	}
}

func NewRedisRunLocker(client redis.UniversalClient, opts ...RedisRunLockerOption) *RedisRunLocker {
	locker := &RedisRunLocker{
		client:    client,
		ttl:       defaultLockTTL,
		retryWait: defaultLockRetryWait,
	}
	for _, opt := range opts {
		opt(locker)
	}
	locker.logger = orNop(locker.logger).With(zap.String("component", "redis_locker"))

	return locker
}

func (l *RedisRunLocker) Lock(ctx context.Context, runID string) (func(), error) {
	key := lockKeyPrefix + runID
	token := uuid.NewString()
	b := newBackOff(RetryBehavior{InitialBackoffMs: l.retryWait.Milliseconds(), Base: 1.5}, 250*time.Millisecond)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire run lock %s: %w", runID, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("acquire run lock %s: %w", runID, ctx.Err())
		case <-timer.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("release run lock", zap.String(KeyRunID, runID), zap.Error(err))
		}
	}, nil
}
