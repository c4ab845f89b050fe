package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oceanic-passage/orchestrator/core"
)

// RedisStore persists AgentDescriptors so Registry state survives a
// process restart in a multi-replica deployment. It is optional: a
// Registry works fine memory-only; RedisStore is an additional
// write-through/read-through layer a host can wire in when
// core.Config.RedisURL is set.
//
// Grounded on the connection-pool and retry tuning of the teacher's
// core/redis_registry.go, simplified to descriptor persistence only —
// runtime state (health, metrics) stays process-local since it is
// re-derived by the Health Monitor on every restart.
type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisStore connects to redisURL and returns a RedisStore scoped to
// namespace (keys are "<namespace>:agent:<id>").
func NewRedisStore(redisURL, namespace string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid redis URL: %w", err)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: redis ping failed: %w", err)
	}

	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if namespace == "" {
		namespace = "passage-orchestrator"
	}

	return &RedisStore{client: client, namespace: namespace, ttl: ttl}, nil
}

func (s *RedisStore) key(agentID string) string {
	return fmt.Sprintf("%s:agent:%s", s.namespace, agentID)
}

// Save writes descriptor with the store's TTL, refreshed on every call.
func (s *RedisStore) Save(ctx context.Context, descriptor *core.AgentDescriptor) error {
	data, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("registry: marshal descriptor: %w", err)
	}
	if err := s.client.Set(ctx, s.key(descriptor.AgentID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("registry: redis set: %w", err)
	}
	return nil
}

// LoadAll returns every descriptor currently persisted, used to
// repopulate a Registry after a process restart.
func (s *RedisStore) LoadAll(ctx context.Context) ([]*core.AgentDescriptor, error) {
	pattern := fmt.Sprintf("%s:agent:*", s.namespace)
	var (
		descriptors []*core.AgentDescriptor
		cursor      uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: redis scan: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, fmt.Errorf("registry: redis get %s: %w", key, err)
			}
			var d core.AgentDescriptor
			if err := json.Unmarshal(data, &d); err != nil {
				return nil, fmt.Errorf("registry: unmarshal %s: %w", key, err)
			}
			descriptors = append(descriptors, &d)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return descriptors, nil
}

// Delete removes agentID's persisted descriptor.
func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	if err := s.client.Del(ctx, s.key(agentID)).Err(); err != nil {
		return fmt.Errorf("registry: redis del: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
