// Package memcache provides an in-process store.Cache fake, used in
// tests and single-process demos in place of a real shared backend.
package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/arvind-natarajan/quotaguard/store"
)

type entry struct {
	value    string
	expireAt time.Time
}

// Cache implements store.Cache with an in-memory map. Safe for
// concurrent use.
type Cache struct {
	mu   sync.Mutex
	data map[string]entry
}

// New creates an empty in-memory Cache.
func New() *Cache {
	return &Cache{data: make(map[string]entry)}
}

func (c *Cache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return "", false, nil
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(c.data, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *Cache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	c.data[key] = e
	return nil
}

func (c *Cache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

var _ store.Cache = (*Cache)(nil)
