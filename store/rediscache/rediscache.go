// Package rediscache implements store.Cache on top of
// redis.UniversalClient, supporting standalone Redis, Redis Cluster,
// and Redis Sentinel without the caller choosing between client types.
package rediscache

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/arvind-natarajan/quotaguard/store"
)

// Cache implements store.Cache backed by Redis.
type Cache struct {
	client goredis.UniversalClient
}

// New wraps an existing redis.UniversalClient (standalone *redis.Client,
// *redis.ClusterClient, or *redis.Ring) as a store.Cache.
func New(client goredis.UniversalClient) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

var _ store.Cache = (*Cache)(nil)
