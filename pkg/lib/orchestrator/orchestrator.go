package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/config"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/dispatcher"
	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// Printed to the output writer once the dispatcher finished its budget.
	MarkerShootingComplete = "Shooting complete"
	// Printed to the output writer when the run reached Done.
	MarkerJobDone = "Job done"

	ServerName   = "server"
	ProfilerName = "profiler"

	stderrTail = 512
)

// Shooter generates the load while the profiler is attached.
type Shooter interface {
	Dispatch(ctx context.Context) (dispatcher.Summary, error)
}

// Renderer turns the profiler output into the final graph.
type Renderer interface {
	Render(ctx context.Context, input, output string) error
}

// Report describes a finished run.
type Report struct {
	RunID         string
	States        []State
	Summary       dispatcher.Summary
	ProfileOutput string
	GraphOutput   string
	Started       time.Time
	Finished      time.Time
}

// Final returns the last visited state.
func (r Report) Final() State {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

// Orchestrator drives one harness run: start the server, attach the
// profiler, shoot, stop both in that order and render the profile.
type Orchestrator struct {
	cfg      *config.Config
	procs    Processes
	shooter  Shooter
	renderer Renderer

	out      io.Writer
	logger   *zap.Logger
	observer func(Transition)
	sleep    func(ctx context.Context, d time.Duration) error
	runID    string

	mu     sync.Mutex
	state  State
	report Report
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithOutput sets where the completion markers are printed. Defaults to
// io.Discard.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) {
		if w != nil {
			o.out = w
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers a callback invoked on every state change.
func WithObserver(fn func(Transition)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithSleep replaces the flush delay sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.runID = id
		}
	}
}

// New builds an orchestrator in state Idle. renderer may be nil only when
// rendering is disabled in cfg.
func New(cfg *config.Config, procs Processes, shooter Shooter, renderer Renderer, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if procs == nil || shooter == nil {
		return nil, errors.New("process controller and shooter are required")
	}
	if renderer == nil && !cfg.Render.Disabled {
		return nil, errors.New("renderer is required unless rendering is disabled")
	}
	o := &Orchestrator{
		cfg:      cfg,
		procs:    procs,
		shooter:  shooter,
		renderer: renderer,
		out:      io.Discard,
		logger:   zap.NewNop(),
		sleep:    dispatcher.Sleep,
		runID:    lib.NewID(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("run", o.runID))
	return o, nil
}

// RunID returns the identifier of the run.
func (o *Orchestrator) RunID() string { return o.runID }

// State returns the current state. Safe for concurrent use.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.report.States = append(o.report.States, to)
	o.mu.Unlock()

	o.logger.Info("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if o.observer != nil {
		o.observer(Transition{RunID: o.runID, From: from, To: to, At: time.Now()})
	}
}

func (o *Orchestrator) finish() Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.report.Finished = time.Now()
	r := o.report
	r.States = append([]State(nil), o.report.States...)
	return r
}

func (o *Orchestrator) fail(err error) (Report, error) {
	o.transition(StateFailed)
	o.logger.Error("run failed", zap.Error(err))
	return o.finish(), err
}

// Run executes the state machine once, with server as the process under
// test. It returns the report in every case; the error is nil exactly when
// the run reached Done.
//
// Cancelling ctx interrupts shooting or rendering. The server and the
// profiler are still torn down in order before Run returns.
func (o *Orchestrator) Run(ctx context.Context, server lib.Command) (Report, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return Report{}, errors.Errorf("run %s already started", o.runID)
	}
	o.report = Report{
		RunID:         o.runID,
		States:        []State{StateIdle},
		ProfileOutput: o.cfg.Profiler.Output,
		Started:       time.Now(),
	}
	if !o.cfg.Render.Disabled {
		o.report.GraphOutput = o.cfg.Render.Output
	}
	o.mu.Unlock()

	// teardown must run to completion even when the caller gave up
	teardownCtx := context.WithoutCancel(ctx)

	o.transition(StateServerStarting)
	srv, err := o.procs.Spawn(ServerName, server)
	if err != nil {
		return o.fail(multierr.Append(err, o.procs.Shutdown(teardownCtx)))
	}

	o.transition(StateProfilerStarting)
	prof, err := o.procs.Spawn(ProfilerName, o.cfg.ProfilerCommand(srv.PID()))
	if err != nil {
		return o.fail(multierr.Append(err, o.procs.Shutdown(teardownCtx)))
	}

	o.transition(StateShooting)
	summary, shootErr := o.shooter.Dispatch(ctx)
	o.mu.Lock()
	o.report.Summary = summary
	o.mu.Unlock()
	if shootErr == nil {
		fmt.Fprintln(o.out, MarkerShootingComplete)
	} else {
		o.logger.Warn("shooting interrupted", zap.Int("fired", summary.Fired), zap.Error(shootErr))
	}

	o.transition(StateProfilerStopping)
	teardownErr := o.stopProfiler(teardownCtx, prof)

	o.transition(StateServerStopping)
	teardownErr = multierr.Append(teardownErr, o.stopServer(teardownCtx, srv))

	if err := multierr.Append(shootErr, teardownErr); err != nil {
		return o.fail(err)
	}

	o.transition(StateRendering)
	if o.cfg.Render.Disabled {
		o.logger.Info("rendering disabled", zap.String("profile", o.cfg.Profiler.Output))
	} else if err := o.renderer.Render(ctx, o.cfg.Profiler.Output, o.cfg.Render.Output); err != nil {
		return o.fail(err)
	}

	o.transition(StateDone)
	fmt.Fprintln(o.out, MarkerJobDone)
	return o.finish(), nil
}

// stopProfiler signals the profiler without waiting and then gives it the
// flush delay to finish writing its output. With AwaitExit the delay is only
// an upper bound and the profiler exiting ends it early.
func (o *Orchestrator) stopProfiler(ctx context.Context, prof Handle) error {
	if err := o.exitedEarly(ProfilerName, prof); err != nil {
		return err
	}
	err := o.procs.Terminate(ctx, prof, false)
	if err != nil && errors.Cause(err) != lib.ErrAlreadyTerminated {
		err = errors.Annotate(err, "stop profiler")
	} else {
		err = nil
	}

	delay := o.cfg.Profiler.FlushDelay
	if !o.cfg.Profiler.AwaitExit {
		return multierr.Append(err, o.sleep(ctx, delay))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-prof.Done():
		o.logger.Debug("profiler exited, output flushed")
	case <-timer.C:
		o.logger.Warn("profiler still running after flush delay", zap.Duration("delay", delay), zap.Int("pid", prof.PID()))
	}
	return err
}

// stopServer lets the server exit on its own for up to ExitGrace, then
// signals it and waits until it is reaped.
func (o *Orchestrator) stopServer(ctx context.Context, srv Handle) error {
	if err := o.exitedEarly(ServerName, srv); err != nil {
		return err
	}
	graceCtx, cancel := context.WithTimeout(ctx, o.cfg.Server.ExitGrace)
	defer cancel()
	err := o.procs.Terminate(graceCtx, srv, true)
	if err != nil && errors.Cause(err) != lib.ErrAlreadyTerminated {
		return errors.Annotate(err, "stop server")
	}
	return nil
}

// exitedEarly reports a process that already exited with a non-zero code
// before teardown reached it.
func (o *Orchestrator) exitedEarly(name string, h Handle) error {
	select {
	case <-h.Done():
	default:
		return nil
	}
	st := h.Status()
	if st.ExitCode == nil || *st.ExitCode == 0 {
		o.logger.Warn("process exited before teardown", zap.String("name", name), zap.Int("pid", h.PID()))
		return nil
	}
	exitErr := &lib.ExitError{Name: name, Pid: h.PID(), ExitCode: *st.ExitCode}
	if src, ok := h.(stderrSource); ok {
		exitErr.Stderr = src.Stderr().Tail(stderrTail)
	}
	return exitErr
}
