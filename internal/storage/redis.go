package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Shugur-Network/relaymux/internal/config"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"go.uber.org/zap"
)

// Redis stores each key as a plain string value.
type Redis struct {
	client *redis.Client
	closed atomic.Bool
}

// OpenRedis connects and pings within timeout.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, timeout time.Duration) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, apperrors.ConfigurationError("storage.redis.addr", "cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.DatabaseError("redis", "connect", err)
	}
	logger.Info("redis store initialized", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return NewRedisWithClient(client), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if r.closed.Load() {
		return nil, closedErr("redis")
	}
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound()
	}
	if err != nil {
		return nil, apperrors.DatabaseError("redis", "get", err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if r.closed.Load() {
		return closedErr("redis")
	}
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return apperrors.DatabaseError("redis", "set", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if r.closed.Load() {
		return closedErr("redis")
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return apperrors.DatabaseError("redis", "remove", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if r.closed.Load() {
		return closedErr("redis")
	}
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}

func (r *Redis) Backend() string { return "redis" }
