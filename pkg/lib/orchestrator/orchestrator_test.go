package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/config"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/dispatcher"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/runner"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeHandle struct {
	id      string
	name    string
	pid     int
	command lib.Command
	done    chan struct{}
	once    sync.Once
	code    *int
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) exit()                 { h.once.Do(func() { close(h.done) }) }

func (h *fakeHandle) Status() lib.ProcessStatus {
	st := lib.ProcessStatus{State: lib.ProcessStateRunning, Pid: h.pid}
	select {
	case <-h.done:
		st.State = lib.ProcessStateExited
		st.ExitCode = h.code
	default:
	}
	return st
}

// crash makes the process exit on its own with code.
func (h *fakeHandle) crash(code int) {
	h.code = &code
	h.exit()
}

// fakeProcesses records every call in order.
type fakeProcesses struct {
	mu           sync.Mutex
	events       []string
	handles      []*fakeHandle
	spawnErr     map[string]error
	terminateErr map[string]error
	// when set, the profiler keeps running after SIGTERM
	stubbornProfiler bool
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{spawnErr: map[string]error{}, terminateErr: map[string]error{}}
}

func (f *fakeProcesses) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf(format, args...))
}

func (f *fakeProcesses) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeProcesses) Spawn(name string, command lib.Command) (Handle, error) {
	f.record("spawn %s: %s", name, command.String())
	if err := f.spawnErr[name]; err != nil {
		return nil, &lib.SpawnError{Name: name, Command: command, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{
		id:      lib.NewID(),
		name:    name,
		pid:     4000 + len(f.handles),
		command: command,
		done:    make(chan struct{}),
	}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeProcesses) Terminate(_ context.Context, h Handle, wait bool) error {
	fh := h.(*fakeHandle)
	f.record("terminate %s wait=%t", fh.name, wait)
	if err := f.terminateErr[fh.name]; err != nil {
		return err
	}
	if fh.name != ProfilerName || !f.stubbornProfiler {
		fh.exit()
	}
	return nil
}

func (f *fakeProcesses) Shutdown(context.Context) error {
	f.record("shutdown")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		h.exit()
	}
	return nil
}

type fakeRenderer struct {
	calls [][2]string
	err   error
}

func (r *fakeRenderer) Render(_ context.Context, input, output string) error {
	r.calls = append(r.calls, [2]string{input, output})
	return r.err
}

type shooterFunc func(ctx context.Context) (dispatcher.Summary, error)

func (f shooterFunc) Dispatch(ctx context.Context) (dispatcher.Summary, error) { return f(ctx) }

type okDoer struct{ calls int }

func (d *okDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("[]"))}, nil
}

func newShooter(t *testing.T, cfg *config.Config, doer dispatcher.Doer) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(dispatcher.Config{
		Seed:           cfg.Seed,
		Shots:          cfg.Shots,
		Cooldown:       cfg.Cooldown,
		RandomLimit:    cfg.RandomLimit,
		RequestTimeout: cfg.RequestTimeout,
		Endpoints:      cfg.Endpoints,
	}, dispatcher.WithDoer(doer), dispatcher.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)
	return d
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

var serverCmd = lib.NewCommand("./server", "--port", "8080")

func TestRunVisitsEveryStateInOrder(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	procs := newFakeProcesses()
	renderer := &fakeRenderer{}
	doer := &okDoer{}
	sleeps := &sleepRecorder{}
	var out bytes.Buffer
	var transitions []Transition

	o, err := New(cfg, procs, newShooter(t, cfg, doer), renderer,
		WithOutput(&out),
		WithSleep(sleeps.sleep),
		WithRunID("run-1"),
		WithObserver(func(tr Transition) { transitions = append(transitions, tr) }))
	require.NoError(t, err)
	require.Equal(t, StateIdle, o.State())

	report, err := o.Run(context.Background(), serverCmd)
	require.NoError(t, err)
	require.Equal(t, []State{
		StateIdle,
		StateServerStarting,
		StateProfilerStarting,
		StateShooting,
		StateProfilerStopping,
		StateServerStopping,
		StateRendering,
		StateDone,
	}, report.States)
	require.Equal(t, StateDone, report.Final())
	require.Equal(t, StateDone, o.State())
	require.Equal(t, "run-1", report.RunID)

	require.Equal(t, 100, report.Summary.Fired)
	require.Equal(t, 100, doer.calls)

	require.Equal(t, []string{
		"spawn server: ./server --port 8080",
		"spawn profiler: sudo perf record -g -p 4000 -o ./perf.data",
		"terminate profiler wait=false",
		"terminate server wait=true",
	}, procs.Events())
	require.Equal(t, [][2]string{{"./perf.data", "graph.svg"}}, renderer.calls)
	require.Equal(t, []time.Duration{time.Second}, sleeps.delays)
	require.Equal(t, "Shooting complete\nJob done\n", out.String())

	require.Len(t, transitions, 7)
	require.Equal(t, StateIdle, transitions[0].From)
	require.Equal(t, StateServerStarting, transitions[0].To)
	require.Equal(t, StateDone, transitions[6].To)
	for _, tr := range transitions {
		require.Equal(t, "run-1", tr.RunID)
	}
}

func TestRunServerSpawnFailure(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	procs := newFakeProcesses()
	procs.spawnErr[ServerName] = errors.New("no such file or directory")
	renderer := &fakeRenderer{}
	shot := false
	var out bytes.Buffer

	o, err := New(cfg, procs, shooterFunc(func(context.Context) (dispatcher.Summary, error) {
		shot = true
		return dispatcher.Summary{}, nil
	}), renderer, WithOutput(&out))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	require.Error(t, err)
	spawnErr, ok := errors.Cause(err).(*lib.SpawnError)
	require.True(t, ok, "unexpected error %v", err)
	require.Equal(t, ServerName, spawnErr.Name)
	require.Contains(t, err.Error(), "failed to start server")

	require.Equal(t, []State{StateIdle, StateServerStarting, StateFailed}, report.States)
	require.Equal(t, []string{"spawn server: ./server --port 8080", "shutdown"}, procs.Events())
	require.False(t, shot)
	require.Empty(t, renderer.calls)
	require.Empty(t, out.String())
}

func TestRunProfilerSpawnFailureStopsServer(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	procs := newFakeProcesses()
	procs.spawnErr[ProfilerName] = errors.New("permission denied")

	o, err := New(cfg, procs, shooterFunc(func(context.Context) (dispatcher.Summary, error) {
		t.Fatal("shooting must not start")
		return dispatcher.Summary{}, nil
	}), &fakeRenderer{})
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	spawnErr, ok := errors.Cause(err).(*lib.SpawnError)
	require.True(t, ok, "unexpected error %v", err)
	require.Equal(t, ProfilerName, spawnErr.Name)
	require.Equal(t, []State{StateIdle, StateServerStarting, StateProfilerStarting, StateFailed}, report.States)
	require.Equal(t, "shutdown", procs.Events()[2])

	require.Len(t, procs.handles, 1)
	select {
	case <-procs.handles[0].Done():
	default:
		t.Fatal("server left running after profiler spawn failure")
	}
}

func TestRunInterruptedShootingStillTearsDown(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	procs := newFakeProcesses()
	renderer := &fakeRenderer{}
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o, err := New(cfg, procs, shooterFunc(func(ctx context.Context) (dispatcher.Summary, error) {
		cancel()
		<-ctx.Done()
		return dispatcher.Summary{Fired: 7}, errors.Trace(ctx.Err())
	}), renderer, WithOutput(&out), WithSleep(func(ctx context.Context, _ time.Duration) error {
		// teardown runs on a context that outlives the cancelled run
		return ctx.Err()
	}))
	require.NoError(t, err)

	report, err := o.Run(ctx, serverCmd)
	require.Error(t, err)
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Equal(t, 7, report.Summary.Fired)
	require.Equal(t, []State{
		StateIdle,
		StateServerStarting,
		StateProfilerStarting,
		StateShooting,
		StateProfilerStopping,
		StateServerStopping,
		StateFailed,
	}, report.States)
	require.Equal(t, []string{"terminate profiler wait=false", "terminate server wait=true"}, procs.Events()[2:])
	require.Empty(t, renderer.calls)
	require.Empty(t, out.String())
}

func TestRunRenderFailure(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Shots = 3
	renderer := &fakeRenderer{err: &lib.RenderError{Stage: 1, Command: lib.NewCommand("collapse"), ExitCode: 2}}
	var out bytes.Buffer

	o, err := New(cfg, newFakeProcesses(), newShooter(t, cfg, &okDoer{}), renderer,
		WithOutput(&out), WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	renderErr, ok := errors.Cause(err).(*lib.RenderError)
	require.True(t, ok, "unexpected error %v", err)
	require.Equal(t, 1, renderErr.Stage)
	require.Equal(t, StateFailed, report.Final())
	require.Equal(t, StateRendering, report.States[len(report.States)-2])
	require.Equal(t, "Shooting complete\n", out.String())
}

func TestRunTeardownErrorsAreCombined(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Shots = 1
	procs := newFakeProcesses()
	procs.terminateErr[ProfilerName] = errors.New("profiler signal failed")
	procs.terminateErr[ServerName] = errors.New("server did not exit")
	renderer := &fakeRenderer{}

	o, err := New(cfg, procs, newShooter(t, cfg, &okDoer{}), renderer,
		WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 2)
	require.Contains(t, err.Error(), "profiler signal failed")
	require.Contains(t, err.Error(), "server did not exit")
	require.Equal(t, StateFailed, report.Final())
	require.Empty(t, renderer.calls)
}

func TestRunTerminationAlreadyRequestedIsNotAnError(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Shots = 1
	procs := newFakeProcesses()
	procs.terminateErr[ServerName] = lib.ErrAlreadyTerminated

	o, err := New(cfg, procs, newShooter(t, cfg, &okDoer{}), &fakeRenderer{},
		WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	require.NoError(t, err)
	require.Equal(t, StateDone, report.Final())
}

func TestRunAwaitExitEndsFlushEarly(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Shots = 1
	cfg.Profiler.AwaitExit = true
	cfg.Profiler.FlushDelay = time.Minute

	o, err := New(cfg, newFakeProcesses(), newShooter(t, cfg, &okDoer{}), &fakeRenderer{},
		WithSleep(func(context.Context, time.Duration) error {
			t.Fatal("fixed flush delay must not be used with await_exit")
			return nil
		}))
	require.NoError(t, err)

	start := time.Now()
	_, err = o.Run(context.Background(), serverCmd)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunAwaitExitBoundedByFlushDelay(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Shots = 1
	cfg.Profiler.AwaitExit = true
	cfg.Profiler.FlushDelay = 50 * time.Millisecond
	procs := newFakeProcesses()
	procs.stubbornProfiler = true

	o, err := New(cfg, procs, newShooter(t, cfg, &okDoer{}), &fakeRenderer{})
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	require.NoError(t, err)
	require.Equal(t, StateDone, report.Final())
}

func TestRunRenderDisabled(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Shots = 2
	cfg.Render.Disabled = true
	var out bytes.Buffer

	o, err := New(cfg, newFakeProcesses(), newShooter(t, cfg, &okDoer{}), nil,
		WithOutput(&out), WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	require.NoError(t, err)
	require.Equal(t, StateDone, report.Final())
	require.Empty(t, report.GraphOutput)
	require.Equal(t, "Shooting complete\nJob done\n", out.String())
}

func TestRunOnlyOnce(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Shots = 0
	o, err := New(cfg, newFakeProcesses(), newShooter(t, cfg, &okDoer{}), &fakeRenderer{},
		WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	_, err = o.Run(context.Background(), serverCmd)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), serverCmd)
	require.Error(t, err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	shooter := shooterFunc(func(context.Context) (dispatcher.Summary, error) { return dispatcher.Summary{}, nil })

	_, err := New(nil, newFakeProcesses(), shooter, &fakeRenderer{})
	require.Error(t, err)
	_, err = New(cfg, nil, shooter, &fakeRenderer{})
	require.Error(t, err)
	_, err = New(cfg, newFakeProcesses(), nil, &fakeRenderer{})
	require.Error(t, err)
	_, err = New(cfg, newFakeProcesses(), shooter, nil)
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ProfilerStopping", StateProfilerStopping.String())
	require.Equal(t, "Failed", StateFailed.String())
	require.Equal(t, "Unknown", State(42).String())
	require.True(t, StateDone.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateRendering.Terminal())
}

func TestRunWithRealProcesses(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	cfg := config.Default()
	cfg.Shots = 0
	cfg.Profiler.Command = []string{"sh", "-c", "exec sleep 30", config.PlaceholderPID}
	cfg.Profiler.FlushDelay = 200 * time.Millisecond
	cfg.Server.CaptureOutput = true
	cfg.Render.Disabled = true

	r := runner.NewRunner(runner.WithLogger(logger), runner.WithStopTimeout(5*time.Second))
	procs := NewRunnerProcesses(r, logger, ServerName)
	o, err := New(cfg, procs, newShooter(t, cfg, &okDoer{}), nil, WithLogger(logger))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), lib.NewCommand("sh", "-c", "echo listening; exec sleep 30"))
	require.NoError(t, err)
	require.Equal(t, StateDone, report.Final())

	// both processes are gone, nothing is left for Shutdown
	require.NoError(t, r.Shutdown(context.Background()))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("listening").FilterField(zap.String("stream", "stdout")).Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunnerProcessesRejectsForeignHandle(t *testing.T) {
	t.Parallel()

	procs := NewRunnerProcesses(runner.NewRunner(), nil)
	err := procs.Terminate(context.Background(), &fakeHandle{id: "x", done: make(chan struct{})}, false)
	require.Error(t, err)
}

func TestRunReportsProfilerExitingEarly(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	procs := newFakeProcesses()
	renderer := &fakeRenderer{}

	o, err := New(cfg, procs, shooterFunc(func(context.Context) (dispatcher.Summary, error) {
		procs.handles[1].crash(7)
		return dispatcher.Summary{Fired: 1}, nil
	}), renderer, WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	require.Error(t, err)
	exitErr, ok := errors.Cause(err).(*lib.ExitError)
	require.True(t, ok, "unexpected error %v", err)
	require.Equal(t, ProfilerName, exitErr.Name)
	require.Equal(t, 7, exitErr.ExitCode)
	require.Contains(t, err.Error(), "profiler (pid 4001) exited early with code 7")

	require.Equal(t, StateFailed, report.Final())
	require.Empty(t, renderer.calls)
	// the server is still stopped
	require.Equal(t, []string{"terminate server wait=true"}, procs.Events()[2:])
}

func TestRunReportsServerExitingEarly(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	procs := newFakeProcesses()

	o, err := New(cfg, procs, shooterFunc(func(context.Context) (dispatcher.Summary, error) {
		procs.handles[0].crash(2)
		return dispatcher.Summary{}, nil
	}), &fakeRenderer{}, WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	exitErr, ok := errors.Cause(err).(*lib.ExitError)
	require.True(t, ok, "unexpected error %v", err)
	require.Equal(t, ServerName, exitErr.Name)
	require.Equal(t, StateFailed, report.Final())
	require.Equal(t, []string{"terminate profiler wait=false"}, procs.Events()[2:])
}

func TestRunCleanEarlyExitIsNotAFailure(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Shots = 0
	procs := newFakeProcesses()

	o, err := New(cfg, procs, shooterFunc(func(context.Context) (dispatcher.Summary, error) {
		procs.handles[1].crash(0)
		return dispatcher.Summary{}, nil
	}), &fakeRenderer{}, WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), serverCmd)
	require.NoError(t, err)
	require.Equal(t, StateDone, report.Final())
}

func TestRunReportsRealProfilerFailureWithStderr(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Profiler.Command = []string{"sh", "-c", "echo 'perf: permission denied' >&2; exit 7", config.PlaceholderPID}
	cfg.Render.Disabled = true

	r := runner.NewRunner(runner.WithStopTimeout(5 * time.Second))
	procs := NewRunnerProcesses(r, nil, ProfilerName)
	o, err := New(cfg, procs, shooterFunc(func(context.Context) (dispatcher.Summary, error) {
		// keep shooting long enough for the profiler to fail
		time.Sleep(300 * time.Millisecond)
		return dispatcher.Summary{}, nil
	}), nil)
	require.NoError(t, err)

	report, err := o.Run(context.Background(), lib.NewCommand("sh", "-c", "exec sleep 30"))
	require.Error(t, err)
	exitErr, ok := errors.Cause(err).(*lib.ExitError)
	require.True(t, ok, "unexpected error %v", err)
	require.Equal(t, 7, exitErr.ExitCode)
	require.Equal(t, "perf: permission denied", exitErr.Stderr)
	require.Equal(t, StateFailed, report.Final())
	require.NoError(t, r.Shutdown(context.Background()))
}
