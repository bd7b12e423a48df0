package runner

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/output_storage"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long an awaited termination waits for the
// process to exit after SIGTERM was delivered.
const DefaultStopTimeout = 10 * time.Second

// Runner spawns and terminates external processes and keeps track of them
// until the Runner itself is discarded.
type Runner struct {
	mu          sync.RWMutex
	processes   map[string]*Process
	logger      *zap.Logger
	stopTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.stopTimeout = d
		}
	}
}

// NewRunner creates a new Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		processes:   make(map[string]*Process),
		logger:      zap.NewNop(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process is a handle to a spawned external process.
type Process struct {
	id      string
	name    string
	command lib.Command
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}

	// set once termination was requested; a process is never signalled twice
	terminating atomic.Bool

	mu       sync.RWMutex
	state    lib.ProcessState
	exitCode *int
	waitErr  error
	start    time.Time
	end      *time.Time

	stdout *output_storage.OutputStorage
	stderr *output_storage.OutputStorage
}

// ID returns the runner-assigned identifier.
func (p *Process) ID() string { return p.id }

// Name returns the role the process was spawned for ("server", "profiler", ...).
func (p *Process) Name() string { return p.name }

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// Command returns the command the process was started with.
func (p *Process) Command() lib.Command { return p.command }

// Done is closed once the process has exited and was reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// TerminationRequested reports whether Terminate was already called.
func (p *Process) TerminationRequested() bool { return p.terminating.Load() }

// Stdout returns the captured standard output, or nil if it was not captured.
func (p *Process) Stdout() *output_storage.OutputStorage { return p.stdout }

// Stderr returns the captured standard error, or nil if it was not captured.
func (p *Process) Stderr() *output_storage.OutputStorage { return p.stderr }

type spawnConfig struct {
	name    string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	capture bool
	dir     string
	env     []string
}

// SpawnOption configures a single Spawn call.
type SpawnOption func(*spawnConfig)

// WithName labels the process for logs and errors.
func WithName(name string) SpawnOption {
	return func(c *spawnConfig) { c.name = name }
}

// WithStdin feeds the process from r instead of /dev/null.
func WithStdin(r io.Reader) SpawnOption {
	return func(c *spawnConfig) { c.stdin = r }
}

// WithStdout redirects standard output to w instead of discarding it.
func WithStdout(w io.Writer) SpawnOption {
	return func(c *spawnConfig) { c.stdout = w }
}

// WithStderr redirects standard error to w instead of discarding it.
func WithStderr(w io.Writer) SpawnOption {
	return func(c *spawnConfig) { c.stderr = w }
}

// WithCapturedOutput keeps both output streams in memory; see
// Process.Stdout, Process.Stderr and Runner.Output. Explicit writers set
// with WithStdout / WithStderr take precedence.
func WithCapturedOutput() SpawnOption {
	return func(c *spawnConfig) { c.capture = true }
}

// WithDir sets the working directory of the process.
func WithDir(dir string) SpawnOption {
	return func(c *spawnConfig) { c.dir = dir }
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) SpawnOption {
	return func(c *spawnConfig) { c.env = append(c.env, env...) }
}
