package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("service unavailable")

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func newTestBreaker(maxFailures int) (*Breaker, *time.Time) {
	b := NewBreaker("test", maxFailures, time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestClosedStateAllowsCalls(t *testing.T) {
	b, _ := newTestBreaker(3)
	called := false
	err := b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	for range 3 {
		if err := b.Call(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("expected errTest, got %v", err)
		}
	}

	if err := b.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("expected open, got %s", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, succeed)
	_ = b.Call(ctx, fail)

	if b.State() != StateClosed {
		t.Errorf("non-consecutive failures should not open the breaker, got %s", b.State())
	}
}

func TestHalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(2)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)

	*now = now.Add(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", b.State())
	}

	if err := b.Call(ctx, succeed); err != nil {
		t.Fatalf("probe should be allowed, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("successful probe should close, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	*now = now.Add(2 * time.Second)

	_ = b.Call(ctx, fail)
	if err := b.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("failed probe should reopen, got %v", err)
	}
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	b, now := newTestBreaker(1)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	*now = now.Add(2 * time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Call(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()

	<-inProbe
	if err := b.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent call during probe should be rejected, got %v", err)
	}
	close(release)
	wg.Wait()
}

func TestContextErrorsNotCounted(t *testing.T) {
	b, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("cancelled call should not trip the breaker, got %s", b.State())
	}
}

func TestOnStateChange(t *testing.T) {
	b, now := newTestBreaker(1)
	ctx := context.Background()

	var got []string
	b.OnStateChange(func(name string, from, to State) {
		got = append(got, name+":"+string(from)+"->"+string(to))
	})

	_ = b.Call(ctx, fail)
	*now = now.Add(2 * time.Second)
	_ = b.Call(ctx, succeed)

	want := []string{"test:closed->open", "test:open->half-open", "test:half-open->closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}
