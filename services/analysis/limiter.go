package analysis

import (
	"context"
	"time"

	"chipledger/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// Limiter admits at most one trial request per caller per cooldown window.
type Limiter interface {
	// Allow returns zero when admitted, otherwise how long the caller has
	// to wait.
	Allow(ctx context.Context, callerID string) (time.Duration, error)
}

type RedisLimiter struct {
	rdb      redis.Cmdable
	cooldown time.Duration
}

func NewRedisLimiter(rdb redis.Cmdable, cooldown time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cooldown: cooldown}
}

func (l *RedisLimiter) Allow(ctx context.Context, callerID string) (time.Duration, error) {
	key := rediskey.TrialCooldown(callerID)

	ok, err := l.rdb.SetNX(ctx, key, 1, l.cooldown).Result()
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}

	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		// key without expiry or expired between calls
		ttl = l.cooldown
	}
	return ttl, nil
}
