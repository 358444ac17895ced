package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tiancizhou/teacher/internal/keypool"
)

const redisKeyPrefix = "ratelimit:"

// RedisLimiter is the shared-remote budget variant: one sorted set per
// credential fingerprint, scored by admission time, trimmed on every check.
// Sets expire windowSeconds+10s after their last touch so idle credentials
// cost nothing.
type RedisLimiter struct {
	rdb           *redis.Client
	windowSeconds int
	maxRequests   int
}

// NewRedisLimiter wraps an existing go-redis client.
func NewRedisLimiter(rdb *redis.Client, windowSeconds, maxRequests int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, windowSeconds: windowSeconds, maxRequests: maxRequests}
}

func (l *RedisLimiter) TryAcquire(apiKey string) bool {
	ctx := context.Background()
	redisKey := redisKeyPrefix + Fingerprint(apiKey)
	now := time.Now().UnixMilli()
	windowStart := now - int64(l.windowSeconds)*1000

	l.rdb.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart))

	count, err := l.rdb.ZCard(ctx, redisKey).Result()
	if err != nil {
		// On Redis failure, fail open: the credential pool and upstream
		// provider still bound damage, and grading availability wins.
		slog.Warn("rate limiter redis error, admitting", "error", err)
		return true
	}
	if count >= int64(l.maxRequests) {
		slog.Debug("key rate limited",
			"key", keypool.MaskKey(apiKey),
			"used", count,
			"max", l.maxRequests)
		return false
	}

	member := fmt.Sprintf("%d:%d", now, os.Getpid())
	l.rdb.ZAdd(ctx, redisKey, redis.Z{Score: float64(now), Member: member})
	l.rdb.Expire(ctx, redisKey, time.Duration(l.windowSeconds+10)*time.Second)
	return true
}

func (l *RedisLimiter) RemainingQuota(apiKey string) int64 {
	ctx := context.Background()
	redisKey := redisKeyPrefix + Fingerprint(apiKey)
	windowStart := time.Now().UnixMilli() - int64(l.windowSeconds)*1000

	l.rdb.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart))

	count, err := l.rdb.ZCard(ctx, redisKey).Result()
	if err != nil {
		return int64(l.maxRequests)
	}
	remaining := int64(l.maxRequests) - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
