package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Result is the outcome of an execution. Until the execution is terminal
// only State is meaningful.
type Result struct {
	State    State
	ExitCode int
	// Err is the failure cause for Failed results.
	Err     error
	Started time.Time
	Stopped time.Time
	// Outputs carries output values produced by remote executions. Local
	// programs hand outputs back through variable files instead.
	Outputs map[string]json.RawMessage
}

// Execution is the handle the dispatcher drives, whichever backend does the
// work.
type Execution interface {
	Start() error
	State() State
	Result() Result
	Wait(ctx context.Context) (Result, error)
	WaitTimeout(d time.Duration) (Result, error)
	// Cancel requests termination and returns the state observed afterwards.
	Cancel(force bool) State
	// WhenFinished registers fn to run exactly once with the terminal result.
	WhenFinished(fn func(Result))
	Close() error
}

// Lifecycle implements the state machine, waiting and listener parts of an
// Execution. Backends embed it and drive it with Transition and Finish.
type Lifecycle struct {
	mu        sync.Mutex
	state     State
	result    Result
	done      chan struct{}
	listeners []func(Result)
}

// NewLifecycle returns a lifecycle in NotStarted.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: NotStarted, done: make(chan struct{})}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Result returns the terminal result, or a result carrying only the current
// state while the execution is still in progress.
func (l *Lifecycle) Result() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.Terminal() {
		return Result{State: l.state, Started: l.result.Started}
	}
	return l.result
}

// Done is closed once the execution is terminal.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Transition moves to a non-terminal state if the current state is one of
// from. Backwards moves are refused.
func (l *Lifecycle) Transition(to State, from ...State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if to.Terminal() || to.rank() < l.state.rank() {
		return false
	}
	for _, f := range from {
		if l.state == f {
			l.state = to
			if to == Starting {
				l.result.Started = time.Now().UTC()
			}
			return true
		}
	}
	return false
}

// Finish records the terminal result and runs listeners on the calling
// goroutine. Only the first call has an effect.
func (l *Lifecycle) Finish(r Result) bool {
	if !r.State.Terminal() {
		panic(fmt.Sprintf("execution: finish with non-terminal state %s", r.State))
	}

	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return false
	}
	if r.Started.IsZero() {
		r.Started = l.result.Started
	}
	if r.Stopped.IsZero() {
		r.Stopped = time.Now().UTC()
	}
	l.state = r.State
	l.result = r
	listeners := l.listeners
	l.listeners = nil
	close(l.done)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(r)
	}
	return true
}

// WhenFinished registers fn. If the execution is already terminal fn runs
// immediately on the caller's goroutine.
func (l *Lifecycle) WhenFinished(fn func(Result)) {
	l.mu.Lock()
	if !l.state.Terminal() {
		l.listeners = append(l.listeners, fn)
		l.mu.Unlock()
		return
	}
	r := l.result
	l.mu.Unlock()
	fn(r)
}

// Wait blocks until the execution is terminal or ctx is done. Expiry of ctx
// does not affect the execution.
func (l *Lifecycle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-l.done:
		return l.Result(), nil
	case <-ctx.Done():
		return l.Result(), fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
}

// WaitTimeout is Wait with a relative deadline. d <= 0 waits without limit.
func (l *Lifecycle) WaitTimeout(d time.Duration) (Result, error) {
	if d <= 0 {
		return l.Wait(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return l.Wait(ctx)
}
