package quotaguard

import (
	"context"
	"time"

	"github.com/arvind-natarajan/quotaguard/store"
)

// cacheBackend adapts a shared store.Cache into a store.Backend by
// storing the whole snapshot under one key, per spec §4.6(1). It lives
// in the root package (rather than under store/) because the key
// format depends on Config and AlgorithmTag.
type cacheBackend struct {
	cache store.Cache
	key   string
	ttl   time.Duration
}

// newCacheBackend builds a cacheBackend whose TTL is twice the
// configured cleanup interval, so a key outlives at least one cleanup
// cycle of inactivity before the cache can expire it out from under a
// live process.
func newCacheBackend(cfg *Config, algo AlgorithmTag, cache store.Cache) *cacheBackend {
	return &cacheBackend{
		cache: cache,
		key:   cacheKey(cfg, algo),
		ttl:   2 * time.Duration(cfg.CleanupIntervalSeconds) * time.Second,
	}
}

func (c *cacheBackend) Load(ctx context.Context) (*store.Snapshot, error) {
	raw, ok, err := c.cache.Get(ctx, c.key)
	if err != nil {
		return store.DecodeSnapshot(nil), err
	}
	if !ok {
		return store.DecodeSnapshot(nil), nil
	}
	return store.DecodeSnapshot([]byte(raw)), nil
}

func (c *cacheBackend) Save(ctx context.Context, snap *store.Snapshot) error {
	raw, err := store.EncodeSnapshot(snap)
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}
	if err := c.cache.Set(ctx, c.key, string(raw), c.ttl); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

var _ store.Backend = (*cacheBackend)(nil)
