package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/simul/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

var (
	// ErrCacheMiss is returned when a key is absent
	ErrCacheMiss = errors.New("key not found in cache")
	// ErrCacheDisabled is returned by every operation of a disabled cache
	ErrCacheDisabled = errors.New("cache is disabled")
)

// RedisCache provides JSON caching using Redis
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewRedisCacheFromClient(client), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, enabled: true}
}

// Disabled returns a cache that always misses
func Disabled() *RedisCache {
	return &RedisCache{enabled: false}
}

// Client exposes the underlying connection for pub/sub users; nil when disabled
func (c *RedisCache) Client() *redis.Client {
	if c == nil || !c.enabled {
		return nil
	}
	return c.client
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if c == nil || !c.enabled {
		return ErrCacheDisabled
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores a value in cache with optional expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if c == nil || !c.enabled {
		return ErrCacheDisabled
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// Delete removes keys from cache
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if c == nil || !c.enabled {
		return ErrCacheDisabled
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "failed to delete keys from Redis")
	}
	return nil
}

// HostedCountKey is the cache key of a user's hosted event count
func HostedCountKey(userID string) string {
	return fmt.Sprintf("simul:hosted_count:%s", userID)
}

// EventNameKey is the cache key of an event's display name
func EventNameKey(eventID string) string {
	return fmt.Sprintf("simul:name:%s", eventID)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if c == nil || !c.enabled || c.client == nil {
		return nil
	}
	return c.client.Close()
}
