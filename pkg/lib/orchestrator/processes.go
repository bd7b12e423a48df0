package orchestrator

import (
	"bytes"
	"context"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/output_storage"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/runner"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// Handle is what the orchestrator keeps of a spawned process.
type Handle interface {
	ID() string
	PID() int
	Done() <-chan struct{}
	Status() lib.ProcessStatus
}

// stderrSource is implemented by handles that keep their standard error.
type stderrSource interface {
	Stderr() *output_storage.OutputStorage
}

// Processes spawns and terminates the server and the profiler.
type Processes interface {
	Spawn(name string, command lib.Command) (Handle, error)
	Terminate(ctx context.Context, h Handle, wait bool) error
	// Shutdown terminates everything still running and awaits it.
	Shutdown(ctx context.Context) error
}

// RunnerProcesses implements Processes on top of a runner.Runner.
type RunnerProcesses struct {
	runner  *runner.Runner
	capture map[string]bool
	logger  *zap.Logger
}

// NewRunnerProcesses wraps r. Processes spawned under one of the mirror
// names keep their output in memory and copy it line by line into the debug
// log.
func NewRunnerProcesses(r *runner.Runner, logger *zap.Logger, mirror ...string) *RunnerProcesses {
	if logger == nil {
		logger = zap.NewNop()
	}
	rp := &RunnerProcesses{runner: r, capture: make(map[string]bool), logger: logger}
	for _, name := range mirror {
		rp.capture[name] = true
	}
	return rp
}

func (rp *RunnerProcesses) Spawn(name string, command lib.Command) (Handle, error) {
	opts := []runner.SpawnOption{runner.WithName(name)}
	if rp.capture[name] {
		opts = append(opts, runner.WithCapturedOutput())
	}
	p, err := rp.runner.Spawn(command, opts...)
	if err != nil {
		return nil, err
	}
	if rp.capture[name] {
		stdout, stderr, err := rp.runner.Output(p.ID())
		if err != nil {
			return p, nil
		}
		logger := rp.logger.With(zap.String("name", name), zap.Int("pid", p.PID()))
		go mirror(logger.With(zap.String("stream", "stdout")), stdout)
		go mirror(logger.With(zap.String("stream", "stderr")), stderr)
	}
	return p, nil
}

func (rp *RunnerProcesses) Terminate(ctx context.Context, h Handle, wait bool) error {
	p, ok := h.(*runner.Process)
	if !ok {
		return errors.Errorf("handle %s was not spawned by this runner", h.ID())
	}
	return rp.runner.Terminate(ctx, p, wait)
}

func (rp *RunnerProcesses) Shutdown(ctx context.Context) error {
	return rp.runner.Shutdown(ctx)
}

// mirror logs every complete line read from ch until it is closed.
func mirror(logger *zap.Logger, ch <-chan []byte) {
	var pending []byte
	for chunk := range ch {
		pending = append(pending, chunk...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			logger.Debug(string(pending[:i]))
			pending = pending[i+1:]
		}
	}
	if len(pending) > 0 {
		logger.Debug(string(pending))
	}
}
