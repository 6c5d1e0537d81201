// Package simulator runs operations on a remote simulator that speaks the
// operation server's own session protocol: the run request is POSTed to the
// descriptor endpoint, the returned session is polled until it is terminal
// and cancellation is forwarded as a DELETE.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/opserver/internal/config"
	"github.com/Strob0t/opserver/internal/domain/operation"
	"github.com/Strob0t/opserver/internal/domain/session"
	"github.com/Strob0t/opserver/internal/execution"
	"github.com/Strob0t/opserver/internal/resilience"
)

const (
	defaultPollInterval = time.Second
	requestTimeout      = 30 * time.Second
	cancelTimeout       = 10 * time.Second
	maxResponseBody     = 32 << 20
)

// ErrRemote marks failures reported by, or talking to, the simulator.
var ErrRemote = errors.New("simulator")

// Backend creates simulator executions. One breaker guards each endpoint
// host so a dead simulator fails fast for every operation it serves.
type Backend struct {
	client *http.Client
	cfg    config.Breaker

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

// NewBackend returns a Backend using an otelhttp-instrumented client.
func NewBackend(cfg config.Breaker) *Backend {
	return &Backend{
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		cfg:      cfg,
		breakers: make(map[string]*resilience.Breaker),
	}
}

func (b *Backend) breaker(endpoint *url.URL) *resilience.Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.breakers[endpoint.Host]
	if !ok {
		br = resilience.NewBreaker(endpoint.Host, b.cfg.MaxFailures, b.cfg.Timeout)
		br.OnStateChange(func(name string, from, to resilience.State) {
			slog.Warn("simulator breaker state changed", "component", "simulator", "endpoint", name, "from", from, "to", to)
		})
		b.breakers[endpoint.Host] = br
	}
	return br
}

// New builds an execution for d. Only variables and options of req are
// forwarded; the remote session always runs asynchronously.
func (b *Backend) New(d *operation.Descriptor, req *session.Request) (*Execution, error) {
	if d.Simulator == nil || d.Simulator.Endpoint == "" {
		return nil, fmt.Errorf("%w: simulator endpoint missing", execution.ErrBuild)
	}
	endpoint, err := url.Parse(d.Simulator.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: invalid simulator endpoint %q", execution.ErrBuild, d.Simulator.Endpoint)
	}

	async := true
	body, err := json.Marshal(session.Request{
		InputVariables:  req.InputVariables,
		OutputVariables: req.OutputVariables,
		Options:         req.Options,
		Async:           &async,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode simulator request: %w", execution.ErrBuild, err)
	}

	poll := d.Simulator.PollInterval.Std()
	if poll <= 0 {
		poll = defaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Execution{
		Lifecycle: execution.NewLifecycle(),
		client:    b.client,
		breaker:   b.breaker(endpoint),
		endpoint:  endpoint,
		body:      body,
		poll:      poll,
		ctx:       ctx,
		stop:      cancel,
		log:       slog.With("component", "simulator", "operation", d.ID, "endpoint", endpoint.String()),
	}, nil
}

// Execution is an execution.Execution backed by a remote session.
type Execution struct {
	*execution.Lifecycle

	client   *http.Client
	breaker  *resilience.Breaker
	endpoint *url.URL
	body     []byte
	poll     time.Duration
	log      *slog.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	statusURL string
}

var _ execution.Execution = (*Execution)(nil)

// Start submits the run request in the background.
func (e *Execution) Start() error {
	if !e.Transition(execution.Starting, execution.NotStarted) {
		return execution.ErrAlreadyStarted
	}
	go e.run()
	return nil
}

func (e *Execution) run() {
	defer e.stop()

	resp, loc, err := e.submit()
	if err != nil {
		if e.ctx.Err() != nil {
			e.Finish(execution.Result{State: execution.Cancelled})
			return
		}
		e.Finish(execution.Result{State: execution.Failed, ExitCode: -1, Err: err})
		return
	}

	e.mu.Lock()
	e.statusURL = loc
	e.mu.Unlock()
	e.Transition(execution.Running, execution.Starting)
	e.log.Debug("remote session started", "remote_session", resp.SessionID)

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		// A requested cancel wins over whatever the remote reports.
		if e.ctx.Err() != nil {
			if _, done := toResult(resp); !done {
				e.cancelRemote(loc)
			}
			e.Finish(execution.Result{State: execution.Cancelled})
			return
		}
		if r, done := toResult(resp); done {
			e.Finish(r)
			return
		}
		select {
		case <-e.ctx.Done():
			continue
		case <-ticker.C:
		}

		next, err := e.status(loc)
		switch {
		case err == nil:
			resp = next
		case e.ctx.Err() != nil:
			// cancelled while polling; handled on the next iteration
		case errors.Is(err, resilience.ErrCircuitOpen):
			e.Finish(execution.Result{State: execution.Failed, ExitCode: -1, Err: err})
			return
		default:
			e.log.Warn("simulator poll failed", "error", err)
		}
	}
}

func toResult(resp *session.Response) (execution.Result, bool) {
	switch resp.Status {
	case session.StatusCompleted:
		return execution.Result{State: execution.Completed, Outputs: resp.Result}, true
	case session.StatusFailed:
		return execution.Result{
			State:    execution.Failed,
			ExitCode: -1,
			Err:      fmt.Errorf("%w: remote session failed: %s", ErrRemote, resp.Message),
		}, true
	case session.StatusCancelled:
		return execution.Result{State: execution.Cancelled}, true
	default:
		return execution.Result{}, false
	}
}

// Cancel stops polling and forwards the cancellation to the simulator.
// force is ignored; the remote side decides how to terminate.
func (e *Execution) Cancel(bool) execution.State {
	if e.State() == execution.NotStarted {
		e.stop()
		e.Finish(execution.Result{State: execution.Cancelled})
		return e.State()
	}
	if e.Transition(execution.Cancelling, execution.Starting, execution.Running) {
		e.stop()
	}
	return e.State()
}

// Close releases the polling context.
func (e *Execution) Close() error {
	e.stop()
	return nil
}

// StatusURL returns the remote session URL once the run request succeeded.
func (e *Execution) StatusURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusURL
}

// submit is not aborted by Cancel: once the remote session exists its URL
// is needed to forward the cancellation.
func (e *Execution) submit() (*session.Response, string, error) {
	var (
		resp *session.Response
		loc  string
	)
	err := e.breaker.Call(context.WithoutCancel(e.ctx), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint.String(), bytes.NewReader(e.body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		var hdr http.Header
		resp, hdr, err = e.do(req)
		if err != nil {
			return err
		}
		loc = e.sessionURL(hdr.Get("Location"), resp.SessionID)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return resp, loc, nil
}

func (e *Execution) status(loc string) (*session.Response, error) {
	var resp *session.Response
	err := e.breaker.Call(e.ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, http.NoBody)
		if err != nil {
			return err
		}
		resp, _, err = e.do(req)
		return err
	})
	return resp, err
}

func (e *Execution) cancelRemote(loc string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	err := e.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, loc, http.NoBody)
		if err != nil {
			return err
		}
		res, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = res.Body.Close() }()
		_, _ = io.Copy(io.Discard, res.Body)
		if res.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: cancel returned %s", ErrRemote, res.Status)
		}
		return nil
	})
	if err != nil {
		e.log.Warn("simulator cancel failed", "error", err)
	}
}

// do sends req and decodes a session response. 408 is a running session.
func (e *Execution) do(req *http.Request) (*session.Response, http.Header, error) {
	res, err := e.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRemote, err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read response: %w", ErrRemote, err)
	}

	switch {
	case res.StatusCode < 300, res.StatusCode == http.StatusRequestTimeout:
	default:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &body)
		if body.Error == "" {
			body.Error = res.Status
		}
		return nil, nil, fmt.Errorf("%w: %s %s: %s", ErrRemote, req.Method, req.URL.Path, body.Error)
	}

	var out session.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, nil, fmt.Errorf("%w: decode response: %w", ErrRemote, err)
	}
	if out.SessionID == "" {
		return nil, nil, fmt.Errorf("%w: response without sessionId", ErrRemote)
	}
	return &out, res.Header, nil
}

// sessionURL resolves the Location header against the endpoint, falling
// back to /sessions/{id} on the endpoint host.
func (e *Execution) sessionURL(location, id string) string {
	if location == "" {
		location = "/sessions/" + url.PathEscape(id)
	}
	ref, err := url.Parse(location)
	if err != nil {
		ref = &url.URL{Path: "/sessions/" + url.PathEscape(id)}
	}
	return e.endpoint.ResolveReference(ref).String()
}
