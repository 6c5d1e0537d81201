package ristretto_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/opserver/internal/adapter/ristretto"
	"github.com/Strob0t/opserver/internal/port/cache"
	"github.com/Strob0t/opserver/internal/port/cache/cachetest"
)

func TestCompliance(t *testing.T) {
	c, err := ristretto.New[string](1000)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	cachetest.RunComplianceTests(t, c)
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	if _, err := ristretto.New[string](0); err == nil {
		t.Fatal("expected error for zero capacity")
	}
}

func TestNegativeTTL(t *testing.T) {
	c, err := ristretto.New[int](10)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Set(context.Background(), "k", 1, -time.Second)
	if !errors.Is(err, cache.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

type entry struct{ id string }

func TestPointerValues(t *testing.T) {
	c, err := ristretto.New[*entry](10)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	e := &entry{id: "s1"}
	if err := c.Set(ctx, e.id, e, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, found, err := c.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || got != e {
		t.Fatalf("expected the same pointer back, got %v (found=%v)", got, found)
	}
}
