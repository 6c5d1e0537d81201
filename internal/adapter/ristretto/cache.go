// Package ristretto implements the cache port using dgraph-io/ristretto as
// the in-process closed-session store.
package ristretto

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/opserver/internal/port/cache"
)

// Cache wraps a ristretto cache. Every entry costs 1, so maxEntries bounds
// the number of retained values.
type Cache[V any] struct {
	c *ristretto.Cache[string, V]
}

var _ cache.Cache[string] = (*Cache[string])(nil)

// New creates a ristretto-backed cache holding up to maxEntries values.
func New[V any](maxEntries int64) (*Cache[V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("ristretto: max entries must be positive, got %d", maxEntries)
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters:        maxEntries * 10, // ~10x expected items
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict: func(item *ristretto.Item[V]) {
			slog.Debug("cache entry evicted", "component", "cache", "key_hash", item.Key)
		},
	})
	if err != nil {
		return nil, err
	}
	return &Cache[V]{c: c}, nil
}

// Get retrieves a value. Expired entries are reported as missing.
func (c *Cache[V]) Get(_ context.Context, key string) (val V, ok bool, err error) {
	val, ok = c.c.Get(key)
	return val, ok, nil
}

// Set stores a value for ttl and waits until it is visible to Get. A write
// dropped by the contention buffers is retried once.
func (c *Cache[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("%w: negative ttl %s", cache.ErrRejected, ttl)
	}
	for range 2 {
		if c.c.SetWithTTL(key, value, 1, ttl) {
			c.c.Wait()
			return nil
		}
		c.c.Wait()
	}
	return fmt.Errorf("%w: key %s", cache.ErrRejected, key)
}

// Delete removes a value from the cache.
func (c *Cache[V]) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	c.c.Wait()
	return nil
}

// Close shuts down the cache and releases resources.
func (c *Cache[V]) Close() {
	c.c.Close()
}
