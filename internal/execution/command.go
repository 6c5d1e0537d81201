package execution

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Strob0t/opserver/internal/variable"
)

// LogFileName is the file inside the working directory that receives the
// merged stdout and stderr of the process.
const LogFileName = "output.log"

const logTailBytes = 4096

// Spec describes the process to build.
type Spec struct {
	Command []string
	Dir     string
	// Env is appended to the server's environment.
	Env []string
	// Options are appended as --name=value in name order.
	Options map[string]string
	// Bindings are the variable files of the session.
	Bindings []variable.Binding
	// PortFileArgs appends --<name>=<path> for every binding.
	PortFileArgs bool
}

type cancelRequest int

const (
	cancelNone cancelRequest = iota
	cancelTerm
	cancelKill
)

var _ Execution = (*Command)(nil)

// Command is an Execution backed by a local OS process.
type Command struct {
	*Lifecycle

	argv    []string
	dir     string
	env     []string
	logPath string
	logger  *slog.Logger

	mu        sync.Mutex
	proc      *os.Process
	cancelReq cancelRequest
	logFile   *os.File
}

// Build validates spec and prepares a Command. Nothing is spawned yet.
func Build(spec Spec) (*Command, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, fmt.Errorf("%w: command is empty", ErrBuild)
	}
	info, err := os.Stat(spec.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: working directory: %w", ErrBuild, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: working directory %s is not a directory", ErrBuild, spec.Dir)
	}

	return &Command{
		Lifecycle: NewLifecycle(),
		argv:      Argv(spec),
		dir:       spec.Dir,
		env:       append([]string(nil), spec.Env...),
		logPath:   filepath.Join(spec.Dir, LogFileName),
		logger:    slog.Default().With("component", "execution"),
	}, nil
}

// Argv assembles the final argument vector for spec.
func Argv(spec Spec) []string {
	argv := append([]string(nil), spec.Command...)

	names := make([]string, 0, len(spec.Options))
	for n := range spec.Options {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		argv = append(argv, fmt.Sprintf("--%s=%s", n, spec.Options[n]))
	}

	if spec.PortFileArgs {
		for _, b := range spec.Bindings {
			argv = append(argv, fmt.Sprintf("--%s=%s", b.Name, b.Path))
		}
	}
	return argv
}

// Args returns a copy of the argument vector.
func (c *Command) Args() []string {
	return append([]string(nil), c.argv...)
}

// LogPath returns the path of the captured output log.
func (c *Command) LogPath() string {
	return c.logPath
}

// Start spawns the process on a separate goroutine and returns at once.
func (c *Command) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelReq != cancelNone || !c.Transition(Starting, NotStarted) {
		return ErrAlreadyStarted
	}
	go c.run()
	return nil
}

func (c *Command) run() {
	logFile, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec // G302: log read by operators
	if err != nil {
		c.Finish(Result{State: Failed, ExitCode: -1, Err: fmt.Errorf("open log: %w", err)})
		return
	}

	cmd := exec.Command(c.argv[0], c.argv[1:]...) //nolint:gosec // G204: argv comes from the operation descriptor
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureProc(cmd)

	c.mu.Lock()
	c.logFile = logFile
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		c.closeLog()
		c.Finish(Result{State: Failed, ExitCode: -1, Err: fmt.Errorf("spawn %s: %w", c.argv[0], err)})
		return
	}
	c.proc = cmd.Process
	pending := c.cancelReq
	c.Transition(Running, Starting)
	c.mu.Unlock()

	if pending != cancelNone {
		c.signal(pending == cancelKill)
	}
	c.logger.Debug("process started", "pid", cmd.Process.Pid, "argv", c.argv, "dir", c.dir)

	waitErr := cmd.Wait()
	c.closeLog()

	c.mu.Lock()
	requested := c.cancelReq
	c.mu.Unlock()

	c.Finish(c.outcome(waitErr, requested))
}

func (c *Command) outcome(waitErr error, requested cancelRequest) Result {
	if requested != cancelNone {
		return Result{State: Cancelled, ExitCode: exitCode(waitErr)}
	}
	if waitErr == nil {
		return Result{State: Completed}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return Result{
			State:    Failed,
			ExitCode: exitErr.ExitCode(),
			Err:      &ExitError{Code: exitErr.ExitCode(), LogTail: c.LogTail()},
		}
	}
	return Result{State: Failed, ExitCode: -1, Err: waitErr}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Cancel asks the process to stop. A command that never started is
// cancelled outright; one still spawning is killed as soon as it exists.
func (c *Command) Cancel(force bool) State {
	c.mu.Lock()
	switch st := c.State(); {
	case st.Terminal():
		c.mu.Unlock()
		return st
	case st == NotStarted:
		c.cancelReq = cancelKill
		c.mu.Unlock()
		c.Finish(Result{State: Cancelled})
		return c.State()
	}

	req := cancelTerm
	if force {
		req = cancelKill
	}
	if req > c.cancelReq {
		c.cancelReq = req
	}
	c.Transition(Cancelling, Starting, Running)
	spawned := c.proc != nil
	c.mu.Unlock()

	if spawned {
		c.signal(force)
	}
	return c.State()
}

func (c *Command) signal(force bool) {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return
	}
	if err := signalProc(proc, force); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Debug("signal process", "pid", proc.Pid, "force", force, "error", err)
	}
}

// LogTail returns up to the last 4 KiB of the output log.
func (c *Command) LogTail() string {
	f, err := os.Open(c.logPath)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - logTailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}

func (c *Command) closeLog() {
	c.mu.Lock()
	f := c.logFile
	c.logFile = nil
	c.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}

// Close releases the log file handle. It is safe to call more than once.
func (c *Command) Close() error {
	c.closeLog()
	return nil
}
