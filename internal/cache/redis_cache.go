package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pharmabill/backend/internal/domain"
)

const keyPrefix = "pharmabill:"

type RedisAlertCache struct {
	client redis.UniversalClient
}

func NewRedisAlertCache(addr string, password string, db int) *RedisAlertCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAlertCache{client: client}
}

// NewRedisAlertCacheFromClient wraps an existing client, e.g. one shared with
// other components or pointed at a test server.
func NewRedisAlertCacheFromClient(client redis.UniversalClient) *RedisAlertCache {
	return &RedisAlertCache{client: client}
}

func (c *RedisAlertCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAlertCache) Close() error {
	return c.client.Close()
}

func (c *RedisAlertCache) Get(ctx context.Context, key string) (*domain.StockAlertReport, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.StockAlertReport
	if err := json.Unmarshal(val, &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisAlertCache) Set(ctx context.Context, key string, value *domain.StockAlertReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, payload, ttl).Err()
}

func (c *RedisAlertCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}
