// Package cachetest holds the behavioral test suite every cache adapter
// must pass.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/opserver/internal/port/cache"
)

// RunComplianceTests runs the standard compliance test suite against any
// Cache implementation.
func RunComplianceTests(t *testing.T, c cache.Cache[string]) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "compliance-key", "compliance-val", time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "compliance-key")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if val != "compliance-val" {
			t.Fatalf("expected compliance-val, got %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "nonexistent-key")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "del-key", "del-val", time.Minute)
		if err := c.Delete(ctx, "del-key"); err != nil {
			t.Fatal(err)
		}
		_, found, err := c.Get(ctx, "del-key")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "never-existed"); err != nil {
			t.Fatal("Delete of nonexistent key should not error")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "ow-key", "v1", time.Minute)
		_ = c.Set(ctx, "ow-key", "v2", time.Minute)
		val, found, err := c.Get(ctx, "ow-key")
		if err != nil {
			t.Fatal(err)
		}
		if !found || val != "v2" {
			t.Fatalf("expected v2 after overwrite, got %q (found=%v)", val, found)
		}
	})

	t.Run("ExpiresAfterTTL", func(t *testing.T) {
		if err := c.Set(ctx, "ttl-key", "short", 50*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := c.Get(ctx, "ttl-key"); !found {
			t.Fatal("expected entry within its TTL")
		}
		time.Sleep(120 * time.Millisecond)
		if _, found, _ := c.Get(ctx, "ttl-key"); found {
			t.Fatal("expected entry to expire after its TTL")
		}
	})

	t.Run("ReadDoesNotExtend", func(t *testing.T) {
		if err := c.Set(ctx, "read-key", "v", 100*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		for range 3 {
			time.Sleep(30 * time.Millisecond)
			_, _, _ = c.Get(ctx, "read-key")
		}
		time.Sleep(60 * time.Millisecond)
		if _, found, _ := c.Get(ctx, "read-key"); found {
			t.Fatal("reads must not extend the entry lifetime")
		}
	})
}
