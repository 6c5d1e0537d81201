package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	opotel "github.com/Strob0t/opserver/internal/adapter/otel"
	"github.com/Strob0t/opserver/internal/adapter/simulator"
	"github.com/Strob0t/opserver/internal/domain"
	"github.com/Strob0t/opserver/internal/domain/operation"
	"github.com/Strob0t/opserver/internal/domain/session"
	"github.com/Strob0t/opserver/internal/execution"
	"github.com/Strob0t/opserver/internal/logger"
	"github.com/Strob0t/opserver/internal/port/cache"
	"github.com/Strob0t/opserver/internal/variable"
)

// SessionsDir is the directory, inside an operation's working directory,
// that holds per-session working directories of concurrent operations.
const SessionsDir = ".sessions"

// Environment variables passed to every operation process.
const (
	EnvSessionID   = "OPERATION_SESSION_ID"
	EnvOperationID = "OPERATION_ID"
)

const completionBuffer = 64

// Mode selects how Run answers.
type Mode string

const (
	// ModeDefault follows the request's async flag, then the descriptor.
	ModeDefault Mode = ""
	ModeSync    Mode = "sync"
	ModeAsync   Mode = "async"
)

// Dispatcher owns the session registry: the active map, the closed-session
// cache and the loop that moves finished sessions from one to the other.
type Dispatcher struct {
	descriptors *Descriptors
	closed      cache.Cache[*session.Session]
	simulators  *simulator.Backend
	events      *Events
	metrics     *opotel.Metrics
	retention   time.Duration
	fileRoot    string
	log         *slog.Logger

	// mu guards active, preparing, cancelling and stopping. It is never
	// held across process spawn, waits or file I/O.
	mu        sync.Mutex
	active    map[string]*session.Session
	preparing map[string]int
	// cancelling holds deleted sessions, by id, until they are finalized.
	// Their operation stays busy so a rerun cannot share their files.
	cancelling map[string]string
	stopping   bool

	completions chan completion
	pending     sync.WaitGroup
	quit        chan struct{}
	loopDone    chan struct{}
	stopOnce    sync.Once
}

type completion struct {
	session *session.Session
	result  execution.Result
}

// DispatcherOption configures optional collaborators.
type DispatcherOption func(*Dispatcher)

// WithEvents publishes lifecycle events.
func WithEvents(e *Events) DispatcherOption {
	return func(d *Dispatcher) { d.events = e }
}

// WithMetrics records session metrics.
func WithMetrics(m *opotel.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithFileRoot allows file values to be copied from paths under root.
// Without it only inline file content is accepted.
func WithFileRoot(root string) DispatcherOption {
	return func(d *Dispatcher) { d.fileRoot = root }
}

// WithSimulators enables operations of kind simulator.
func WithSimulators(b *simulator.Backend) DispatcherOption {
	return func(d *Dispatcher) { d.simulators = b }
}

// NewDispatcher creates a dispatcher and starts its completion loop.
// retention is the closed-session retention for descriptors that do not set
// their own.
func NewDispatcher(descriptors *Descriptors, closed cache.Cache[*session.Session], retention time.Duration, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		descriptors: descriptors,
		closed:      closed,
		retention:   retention,
		log:         slog.With("component", "dispatcher"),
		active:      make(map[string]*session.Session),
		preparing:   make(map[string]int),
		cancelling:  make(map[string]string),
		completions: make(chan completion, completionBuffer),
		quit:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.loop()
	return d
}

// Descriptors returns the descriptor registry.
func (d *Dispatcher) Descriptors() *Descriptors {
	return d.descriptors
}

// Run creates a session for the operation and starts it. opID may be empty,
// in which case the request body names the operation.
//
// A synchronous run waits for the session to finish, up to the descriptor
// timeout. On expiry the running response is returned together with an
// error wrapping domain.ErrTimeout; the session keeps running.
func (d *Dispatcher) Run(ctx context.Context, opID string, body []byte, mode Mode) (session.Response, error) {
	req, err := session.ParseRequest(body)
	if err != nil {
		d.metrics.Rejected(ctx, opID, "bad_request")
		return session.Response{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if opID == "" {
		opID = req.Operation
	}
	if opID == "" {
		d.metrics.Rejected(ctx, opID, "bad_request")
		return session.Response{}, fmt.Errorf("%w: operation is required", domain.ErrValidation)
	}

	desc, err := d.descriptors.Get(opID)
	if err != nil {
		d.metrics.Rejected(ctx, opID, "unknown_operation")
		return session.Response{}, err
	}

	async := runsAsync(desc, req, mode)
	ctx, span := opotel.StartRunSpan(ctx, desc.ID, modeName(async))
	defer span.End()

	if err := checkRequest(desc, req, d.fileRoot); err != nil {
		d.metrics.Rejected(ctx, desc.ID, "bad_request")
		return session.Response{}, err
	}

	if err := d.reserve(desc); err != nil {
		d.metrics.Rejected(ctx, desc.ID, "conflict")
		return session.Response{}, err
	}

	s, err := d.prepare(desc, req)
	if err == nil {
		err = d.register(s)
		if err != nil {
			d.cleanup(ctx, s)
		}
	} else {
		d.unreserve(desc.ID)
	}
	if err != nil {
		d.metrics.Rejected(ctx, desc.ID, "internal")
		span.RecordError(err)
		return session.Response{}, err
	}

	ctx = logger.WithSessionID(ctx, s.ID)
	d.metrics.Started(ctx, desc.ID)
	d.events.started(ctx, s, async)
	if err := s.Execution.Start(); err != nil {
		// Only possible when a delete raced the start; the session is
		// already cancelled and finalizing.
		d.log.DebugContext(ctx, "session not started", "operation", desc.ID, "error", err)
	}
	d.log.InfoContext(ctx, "session started", "operation", desc.ID, "async", async, "dir", s.Dir)

	if async {
		return session.BuildResponse(s), nil
	}
	return d.await(ctx, s, desc.Timeout.Std())
}

func runsAsync(desc *operation.Descriptor, req *session.Request, mode Mode) bool {
	switch mode {
	case ModeSync:
		return false
	case ModeAsync:
		return true
	}
	if req.Async != nil {
		return *req.Async
	}
	return desc.Async
}

func modeName(async bool) string {
	if async {
		return string(ModeAsync)
	}
	return string(ModeSync)
}

// checkRequest rejects variable and option names the descriptor does not
// declare, and file values whose source path is outside fileRoot.
func checkRequest(desc *operation.Descriptor, req *session.Request, fileRoot string) error {
	for name, value := range req.InputVariables {
		if err := variable.ValidateName(name); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		if err := variable.CheckValue(value, fileRoot); err != nil {
			return fmt.Errorf("%w: input %q: %w", domain.ErrValidation, name, err)
		}
		if !desc.IsInput(name) {
			return fmt.Errorf("%w: unknown input variable %q", domain.ErrValidation, name)
		}
		if _, dup := req.OutputVariables[name]; dup {
			return fmt.Errorf("%w: variable %q is both input and output", domain.ErrValidation, name)
		}
	}
	for name, value := range req.OutputVariables {
		if err := variable.ValidateName(name); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		if err := variable.CheckValue(value, fileRoot); err != nil {
			return fmt.Errorf("%w: output %q: %w", domain.ErrValidation, name, err)
		}
		if !desc.IsOutput(name) {
			return fmt.Errorf("%w: unknown output variable %q", domain.ErrValidation, name)
		}
	}
	if len(desc.OptionParameters) > 0 {
		for name := range req.Options {
			if !desc.IsOption(name) {
				return fmt.Errorf("%w: unknown option %q", domain.ErrValidation, name)
			}
		}
	}
	return nil
}

// reserve claims the operation for a session under construction. A
// non-concurrent operation with an active or reserved session is refused.
func (d *Dispatcher) reserve(desc *operation.Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return fmt.Errorf("%w: server is shutting down", domain.ErrInternal)
	}
	if !desc.ConcurrentExecution && d.busyLocked(desc.ID) {
		return fmt.Errorf("%w: operation %s", domain.ErrConflict, desc.ID)
	}
	d.preparing[desc.ID]++
	return nil
}

func (d *Dispatcher) unreserve(opID string) {
	d.mu.Lock()
	d.unreserveLocked(opID)
	d.mu.Unlock()
}

func (d *Dispatcher) unreserveLocked(opID string) {
	if d.preparing[opID] <= 1 {
		delete(d.preparing, opID)
		return
	}
	d.preparing[opID]--
}

// busyLocked must be called with d.mu held.
func (d *Dispatcher) busyLocked(opID string) bool {
	if d.preparing[opID] > 0 {
		return true
	}
	for _, s := range d.active {
		if s.OperationID == opID {
			return true
		}
	}
	for _, op := range d.cancelling {
		if op == opID {
			return true
		}
	}
	return false
}

// prepare creates the session, its working directory, its variable files
// and its execution. On failure everything created is removed again.
func (d *Dispatcher) prepare(desc *operation.Descriptor, req *session.Request) (_ *session.Session, err error) {
	s := session.New(uuid.NewString(), desc, req)

	if desc.Kind == operation.KindSimulator {
		if d.simulators == nil {
			return nil, fmt.Errorf("%w: simulator operations are not enabled", domain.ErrInternal)
		}
		exec, err := d.simulators.New(desc, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInternal, err)
		}
		s.Execution = exec
		return s, nil
	}

	s.Dir = desc.WorkingDirectory
	if desc.ConcurrentExecution {
		s.Dir = filepath.Join(desc.WorkingDirectory, SessionsDir, s.ID)
		if err := os.MkdirAll(s.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: session directory: %w", domain.ErrInternal, err)
		}
		s.Scratch = true
	}
	defer func() {
		if err != nil {
			d.cleanup(context.Background(), s)
		}
	}()

	if err := writeVariables(s, req, d.fileRoot); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}

	cmd, err := execution.Build(execution.Spec{
		Command: desc.Command,
		Dir:     s.Dir,
		Env: []string{
			EnvSessionID + "=" + s.ID,
			EnvOperationID + "=" + desc.ID,
			operation.EnvOperationHome + "=" + d.descriptors.OperationHome(desc.ID),
			operation.EnvServerHome + "=" + d.descriptors.Home(),
			operation.LegacyEnvOperationHome + "=" + d.descriptors.OperationHome(desc.ID),
			operation.LegacyEnvServerHome + "=" + d.descriptors.Home(),
		},
		Options:      req.Options,
		Bindings:     s.Bindings,
		PortFileArgs: desc.AddPortFileToCommandLine,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	s.Execution = cmd
	return s, nil
}

// writeVariables materializes inputs then outputs, each in name order. The
// bindings written so far are kept on s so a failure can be cleaned up.
func writeVariables(s *session.Session, req *session.Request, fileRoot string) error {
	for _, name := range sortedKeys(req.InputVariables) {
		b, err := variable.WriteInput(s.Dir, name, req.InputVariables[name], fileRoot)
		if err != nil {
			return err
		}
		s.Bindings = append(s.Bindings, b)
	}
	for _, name := range sortedKeys(req.OutputVariables) {
		b, err := variable.WriteOutput(s.Dir, name, req.OutputVariables[name], fileRoot)
		if err != nil {
			return err
		}
		s.Bindings = append(s.Bindings, b)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// register moves a prepared session from the reservation into the active
// map and attaches the completion listener.
func (d *Dispatcher) register(s *session.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unreserveLocked(s.OperationID)
	if d.stopping {
		return fmt.Errorf("%w: server is shutting down", domain.ErrInternal)
	}
	d.active[s.ID] = s
	d.pending.Add(1)
	s.Execution.WhenFinished(func(r execution.Result) {
		d.post(completion{session: s, result: r})
	})
	return nil
}

// post hands a completion to the loop. After shutdown the completion is
// finalized on the caller's goroutine.
func (d *Dispatcher) post(c completion) {
	select {
	case <-d.quit:
		d.finalize(c)
		return
	default:
	}
	select {
	case d.completions <- c:
	case <-d.quit:
		d.finalize(c)
	}
}

func (d *Dispatcher) await(ctx context.Context, s *session.Session, timeout time.Duration) (session.Response, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-s.Done():
		return session.BuildResponse(s), nil
	case <-expired:
		d.log.InfoContext(ctx, "synchronous wait expired", "operation", s.OperationID, "timeout", timeout)
		return session.BuildResponse(s), fmt.Errorf("%w: operation %s did not finish within %s", domain.ErrTimeout, s.OperationID, timeout)
	case <-ctx.Done():
		return session.BuildResponse(s), ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		select {
		case c := <-d.completions:
			d.finalize(c)
		case <-d.quit:
			for {
				select {
				case c := <-d.completions:
					d.finalize(c)
				default:
					return
				}
			}
		}
	}
}

// finalize collects outputs, releases the session's resources and swaps it
// from the active map into the closed cache.
func (d *Dispatcher) finalize(c completion) {
	defer d.pending.Done()

	s, res := c.session, c.result
	ctx, span := opotel.StartFinalizeSpan(context.Background(), s.ID, s.OperationID, string(res.State))
	defer span.End()
	ctx = logger.WithSessionID(ctx, s.ID)

	outputs := d.collectOutputs(ctx, s, res)
	if err := s.Execution.Close(); err != nil {
		d.log.WarnContext(ctx, "close execution", "error", err)
	}
	d.cleanup(ctx, s)

	retention := s.Descriptor.Retention(d.retention)
	d.mu.Lock()
	delete(d.active, s.ID)
	delete(d.cancelling, s.ID)
	s.Finalize(outputs, time.Now().UTC())
	err := d.closed.Set(ctx, s.ID, s, retention)
	d.mu.Unlock()
	if err != nil {
		d.log.ErrorContext(ctx, "closed session not cached", "operation", s.OperationID, "error", err)
	}

	resp := session.BuildResponse(s)
	d.log.InfoContext(ctx, "session finished",
		"operation", s.OperationID,
		"status", resp.Status,
		"exit_code", res.ExitCode,
		"duration_ms", res.Stopped.Sub(res.Started).Milliseconds(),
	)
	d.metrics.Finished(ctx, s.OperationID, string(resp.Status), res.Stopped.Sub(res.Started))
	d.events.finished(ctx, s, resp, res)
}

// collectOutputs reads the output values of a completed session. A value
// that cannot be read keeps what the client submitted.
func (d *Dispatcher) collectOutputs(ctx context.Context, s *session.Session, res execution.Result) map[string]json.RawMessage {
	if res.State != execution.Completed {
		return nil
	}
	if s.Descriptor.Kind == operation.KindSimulator {
		return res.Outputs
	}

	outputs := make(map[string]json.RawMessage)
	for _, b := range s.Bindings {
		if b.Direction != variable.Output {
			continue
		}
		v, err := variable.ReadOutput(b)
		switch {
		case err == nil:
			outputs[b.Name] = v
			continue
		case errors.Is(err, variable.ErrMissing):
			d.log.WarnContext(ctx, "output variable not written", "variable", b.Name, "path", b.Path)
		default:
			d.log.ErrorContext(ctx, "read output variable", "variable", b.Name, "error", err)
			d.metrics.VariableReadFailed(ctx, s.OperationID)
		}
		outputs[b.Name] = s.Request.OutputVariables[b.Name]
	}
	return outputs
}

// cleanup removes the session's variable files and scratch directory.
func (d *Dispatcher) cleanup(ctx context.Context, s *session.Session) {
	if err := variable.Remove(s.Bindings); err != nil {
		d.log.WarnContext(ctx, "remove variable files", "session_id", s.ID, "error", err)
	}
	if s.Scratch && s.Dir != "" {
		if err := os.RemoveAll(s.Dir); err != nil {
			d.log.WarnContext(ctx, "remove session directory", "dir", s.Dir, "error", err)
		}
	}
}

// Status returns the response for a session, looking in the active map
// first and the closed cache second.
func (d *Dispatcher) Status(ctx context.Context, id string) (session.Response, error) {
	s, err := d.lookup(ctx, id)
	if err != nil {
		return session.Response{}, err
	}
	return session.BuildResponse(s), nil
}

func (d *Dispatcher) lookup(ctx context.Context, id string) (*session.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.active[id]; ok {
		return s, nil
	}
	s, ok, err := d.closed.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: closed sessions: %w", domain.ErrInternal, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	return s, nil
}

// Delete forcefully cancels an active session and moves it to the closed
// cache right away; the later completion refreshes the cached entry. The
// operation counts as busy until that completion. Unknown ids are not an
// error.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	s, ok := d.active[id]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	ctx = logger.WithSessionID(ctx, id)
	state := s.Execution.Cancel(true)
	d.log.InfoContext(ctx, "session cancelled", "operation", s.OperationID, "state", state)

	d.mu.Lock()
	var err error
	if _, still := d.active[id]; still {
		delete(d.active, id)
		d.cancelling[id] = s.OperationID
		err = d.closed.Set(ctx, id, s, s.Descriptor.Retention(d.retention))
	}
	d.mu.Unlock()
	if err != nil {
		d.log.ErrorContext(ctx, "cancelled session not cached", "error", err)
	}

	d.events.status(ctx, s, session.BuildResponse(s))
	return nil
}

// List returns a summary of every active session, oldest first.
func (d *Dispatcher) List() []session.Info {
	d.mu.Lock()
	sessions := make([]*session.Session, 0, len(d.active))
	for _, s := range d.active {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	out := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b session.Info) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// ActiveCount returns the number of sessions in the active map.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Shutdown refuses new runs, cancels every active session and waits for
// their completions to be finalized or for ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	sessions := make([]*session.Session, 0, len(d.active))
	for _, s := range d.active {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.Execution.Cancel(true)
	}

	drained := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}

	d.stopOnce.Do(func() { close(d.quit) })
	<-d.loopDone
	if err == nil {
		d.log.Info("dispatcher stopped", "cancelled", len(sessions))
	}
	return err
}
