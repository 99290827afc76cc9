package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kenfuse-payment-svc/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", cfg.RedisAddr()))
	return rdb, nil
}

// TokenCache stores gateway access tokens in Redis so every replica reuses
// the same token until it expires.
type TokenCache struct {
	rdb    redis.Cmdable
	prefix string
}

func NewTokenCache(rdb redis.Cmdable) *TokenCache {
	return &TokenCache{rdb: rdb, prefix: "gateway_token"}
}

func (c *TokenCache) key(name string) string {
	return fmt.Sprintf("%s:%s", c.prefix, name)
}

// Get returns "" and no error on a cache miss.
func (c *TokenCache) Get(ctx context.Context, name string) (string, error) {
	token, err := c.rdb.Get(ctx, c.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token %s: %w", name, err)
	}
	return token, nil
}

func (c *TokenCache) Set(ctx context.Context, name, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.rdb.Set(ctx, c.key(name), token, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token %s: %w", name, err)
	}
	return nil
}

func (c *TokenCache) Delete(ctx context.Context, name string) error {
	if err := c.rdb.Del(ctx, c.key(name)).Err(); err != nil {
		return fmt.Errorf("failed to delete token %s: %w", name, err)
	}
	return nil
}
