// Package resilience guards calls to remote simulators with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker opens after maxFailures consecutive failures and rejects calls for
// timeout. It then lets a single probe through; the probe's outcome closes
// or reopens it.
type Breaker struct {
	name        string
	mu          sync.Mutex
	state       State
	failures    int
	probing     bool
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	now         func() time.Time
	onChange    func(name string, from, to State)
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		name:        name,
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// OnStateChange registers fn to run after every transition, outside the lock.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State returns the current position, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// Call runs fn unless the breaker is open. Errors caused by ctx being done
// are returned but not counted as failures.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.release(nil, true)
		return err
	}
	b.release(err, false)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	var from State
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		from = b.transition(StateHalfOpen)
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	b.probing = true
	fn := b.onChange
	b.mu.Unlock()

	if fn != nil && from != "" {
		fn(b.name, from, StateHalfOpen)
	}
	return nil
}

func (b *Breaker) release(err error, neutral bool) {
	b.mu.Lock()
	wasProbe := b.probing
	b.probing = false

	var from, to State
	switch {
	case neutral:
		if wasProbe && b.state == StateHalfOpen {
			to = StateOpen
			from = b.transition(to)
		}
	case err != nil:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			to = StateOpen
			from = b.transition(to)
		}
	default:
		b.failures = 0
		if b.state != StateClosed {
			to = StateClosed
			from = b.transition(to)
		}
	}
	fn := b.onChange
	b.mu.Unlock()

	if fn != nil && from != "" && from != to {
		fn(b.name, from, to)
	}
}

// transition must be called with b.mu held. It returns the previous state.
func (b *Breaker) transition(to State) State {
	from := b.state
	b.state = to
	if to == StateOpen {
		b.openedAt = b.now()
	}
	return from
}
