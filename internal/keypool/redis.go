package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tiancizhou/teacher/internal/errs"
)

// RedisPool is the shared-remote pool variant backed by two Redis lists, so
// multiple dispatcher instances cooperate on one credential pool.
type RedisPool struct {
	rdb           *redis.Client
	poolKey       string
	failedKey     string
	borrowTimeout time.Duration
}

// NewRedisPool connects to Redis and verifies connectivity before returning.
func NewRedisPool(addr, password string, db int, poolKey, failedKey string, borrowTimeout time.Duration) (*RedisPool, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  borrowTimeout + 5*time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis key pool connected", "addr", addr, "db", db)
	return &RedisPool{
		rdb:           rdb,
		poolKey:       poolKey,
		failedKey:     failedKey,
		borrowTimeout: borrowTimeout,
	}, nil
}

// Close shuts down the underlying redis client.
func (p *RedisPool) Close() error { return p.rdb.Close() }

// Client exposes the underlying redis client so collaborators (the rate
// limiter) can share one connection pool.
func (p *RedisPool) Client() *redis.Client { return p.rdb }

func (p *RedisPool) Borrow(ctx context.Context) (string, error) {
	res, err := p.rdb.BLPop(ctx, p.borrowTimeout, p.poolKey).Result()
	if err != nil || len(res) < 2 {
		// redis.Nil on timeout; context or network errors are treated the
		// same way by callers.
		return "", errs.ErrExhausted
	}
	key := res[1]
	slog.Debug("borrowed key", "key", MaskKey(key))
	return key, nil
}

func (p *RedisPool) Return(key string) {
	if err := p.rdb.RPush(context.Background(), p.poolKey, key).Err(); err != nil {
		slog.Error("failed to return key", "key", MaskKey(key), "error", err)
		return
	}
	slog.Debug("returned key", "key", MaskKey(key))
}

func (p *RedisPool) MarkFailed(key string) {
	if err := p.rdb.RPush(context.Background(), p.failedKey, key).Err(); err != nil {
		slog.Error("failed to mark key failed", "key", MaskKey(key), "error", err)
		return
	}
	slog.Warn("key marked failed", "key", MaskKey(key))
}

func (p *RedisPool) AddKeys(keys []string) {
	ctx := context.Background()
	for _, key := range keys {
		if err := p.rdb.RPush(ctx, p.poolKey, key).Err(); err != nil {
			slog.Error("failed to add key", "key", MaskKey(key), "error", err)
		}
	}
	slog.Info("added keys to pool", "count", len(keys))
}

func (p *RedisPool) AvailableCount() int64 {
	n, err := p.rdb.LLen(context.Background(), p.poolKey).Result()
	if err != nil {
		return 0
	}
	return n
}

func (p *RedisPool) FailedCount() int64 {
	n, err := p.rdb.LLen(context.Background(), p.failedKey).Result()
	if err != nil {
		return 0
	}
	return n
}

func (p *RedisPool) RecoverFailedKeys() int {
	ctx := context.Background()
	recovered := 0
	for {
		key, err := p.rdb.LPop(ctx, p.failedKey).Result()
		if err != nil {
			break
		}
		if err := p.rdb.RPush(ctx, p.poolKey, key).Err(); err != nil {
			slog.Error("failed to requeue recovered key", "key", MaskKey(key), "error", err)
			break
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("recovered failed keys", "count", recovered)
	}
	return recovered
}
