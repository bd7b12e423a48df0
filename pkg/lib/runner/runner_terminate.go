package runner

import (
	"context"
	"time"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Terminate asks the process to stop with SIGTERM, never SIGKILL.
//
// If the process already exited this is a no-op. With wait set, Terminate
// first blocks until the process exits on its own or ctx is done, signals it
// if it is still alive, and then blocks until it is reaped. Without wait it
// returns right after the signal is delivered.
func (runner *Runner) Terminate(ctx context.Context, p *Process, wait bool) error {
	logger := runner.logger.With(zap.String("name", p.name), zap.Int("pid", p.pid))
	if p.Exited() {
		logger.Debug("terminate: process already exited")
		return nil
	}
	if !p.terminating.CompareAndSwap(false, true) {
		return lib.ErrAlreadyTerminated
	}

	if wait {
		select {
		case <-p.done:
			logger.Debug("terminate: process exited on its own")
			return nil
		case <-ctx.Done():
		}
	}

	logger.Info("sending SIGTERM", zap.Bool("wait", wait))
	if err := signalGroup(p.pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return errors.Annotatef(err, "failed to signal %s (pid %d)", p.name, p.pid)
	}
	if !wait {
		return nil
	}
	return runner.awaitExit(p)
}

func (runner *Runner) awaitExit(p *Process) error {
	timer := time.NewTimer(runner.stopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return errors.Errorf("%s (pid %d) did not exit within %s after SIGTERM", p.name, p.pid, runner.stopTimeout)
	}
}

// Shutdown terminates every process that is still running and waits for
// all of them to exit. It is meant for abort paths where no specific
// teardown order is required.
func (runner *Runner) Shutdown(ctx context.Context) error {
	runner.mu.RLock()
	procs := make([]*Process, 0, len(runner.processes))
	for _, p := range runner.processes {
		procs = append(procs, p)
	}
	runner.mu.RUnlock()

	var errs error
	for _, p := range procs {
		if p.Exited() {
			continue
		}
		if err := runner.Terminate(ctx, p, false); err != nil && err != lib.ErrAlreadyTerminated {
			errs = multierr.Append(errs, err)
			continue
		}
	}
	for _, p := range procs {
		if !p.Exited() {
			errs = multierr.Append(errs, runner.awaitExit(p))
		}
	}
	return errs
}

// signalGroup signals the process group led by pid, falling back to the
// process alone when the group cannot be signalled.
func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}
