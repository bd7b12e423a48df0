package runner

import (
	"os"
	"os/exec"
	"time"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/output_storage"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// Spawn starts command and returns a handle to it. Output is discarded
// unless a sink is configured through opts. Any failure is reported as a
// *lib.SpawnError.
func (runner *Runner) Spawn(command lib.Command, opts ...SpawnOption) (*Process, error) {
	cfg := spawnConfig{name: command.Command}
	for _, opt := range opts {
		opt(&cfg)
	}

	spawnErr := func(err error) error {
		return &lib.SpawnError{Name: cfg.name, Command: command, Err: err}
	}

	if command.Command == "" {
		return nil, spawnErr(errors.New("command is required"))
	}
	path, err := exec.LookPath(command.Command)
	if err != nil {
		return nil, spawnErr(err)
	}

	cmd := exec.Command(path, command.Args...)
	cmd.Args[0] = command.Command
	cmd.Dir = cfg.dir
	cmd.SysProcAttr = GetSysProcAttr()
	if len(cfg.env) > 0 {
		cmd.Env = append(os.Environ(), cfg.env...)
	}

	p := &Process{
		id:      lib.NewID(),
		name:    cfg.name,
		command: lib.Command{Command: command.Command, Args: append([]string(nil), command.Args...)},
		cmd:     cmd,
		done:    make(chan struct{}),
		state:   lib.ProcessStateRunning,
	}

	// nil stdin reads from /dev/null, nil writers go to /dev/null as well
	cmd.Stdin = cfg.stdin
	if cfg.capture {
		p.stdout = output_storage.RunNewOutputStorage()
		p.stderr = output_storage.RunNewOutputStorage()
		cmd.Stdout = p.stdout
		cmd.Stderr = p.stderr
	}
	if cfg.stdout != nil {
		cmd.Stdout = cfg.stdout
	}
	if cfg.stderr != nil {
		cmd.Stderr = cfg.stderr
	}

	logger := runner.logger.With(zap.String("name", p.name), zap.String("id", p.id))
	logger.Debug("starting process", zap.Strings("argv", command.Argv()))
	if err := cmd.Start(); err != nil {
		p.stdout.Stop()
		p.stderr.Stop()
		logger.Warn("failed to start process", zap.Error(err))
		return nil, spawnErr(err)
	}

	p.pid = cmd.Process.Pid
	p.start = time.Now()
	logger.Info("process started", zap.Int("pid", p.pid), zap.String("command", command.String()))

	go runner.reap(p, logger)

	runner.mu.Lock()
	runner.processes[p.id] = p
	runner.mu.Unlock()

	return p, nil
}

// reap waits for the process, records how it ended and releases waiters.
func (runner *Runner) reap(p *Process, logger *zap.Logger) {
	err := p.cmd.Wait()

	p.stdout.Stop()
	p.stderr.Stop()

	p.mu.Lock()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
			p.waitErr = err
		}
	}
	p.exitCode = &code
	now := time.Now()
	p.end = &now
	p.state = lib.ProcessStateExited
	p.mu.Unlock()

	if err != nil {
		logger.Info("process exited", zap.Int("pid", p.pid), zap.Int("exitCode", code), zap.Error(err))
	} else {
		logger.Info("process exited", zap.Int("pid", p.pid), zap.Int("exitCode", code))
	}

	close(p.done)
}
