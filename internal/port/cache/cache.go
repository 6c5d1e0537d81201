// Package cache defines the port interface for time-bounded in-process
// caching of finished sessions.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrRejected is returned when the cache refused to store a value.
var ErrRejected = errors.New("cache rejected value")

// Cache is a key-value store whose entries expire a fixed time after they
// were written. Reads never extend an entry's lifetime.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close()
}
