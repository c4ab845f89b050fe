package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache is a SharedBackend backed by Redis, letting the response
// cache survive a process restart and be shared across replicas.
// Grounded on the same connection-pool tuning as registry.RedisStore.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

// NewRedisCache connects to redisURL and returns a RedisCache scoped
// to namespace.
func NewRedisCache(redisURL, namespace string) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("fallback: invalid redis URL: %w", err)
	}
	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("fallback: redis ping failed: %w", err)
	}

	if namespace == "" {
		namespace = "passage-orchestrator"
	}
	return &RedisCache{client: client, namespace: namespace}, nil
}

func (c *RedisCache) key(key string) string {
	return fmt.Sprintf("%s:cache:%s", c.namespace, key)
}

// Get implements SharedBackend.
func (c *RedisCache) Get(key string) (map[string]interface{}, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// Set implements SharedBackend.
func (c *RedisCache) Set(key string, payload map[string]interface{}, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.key(key), data, ttl)
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
