package runner

import (
	"context"
	"os"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/pingcap/errors"
)

// Get returns the process with the given identifier.
func (runner *Runner) Get(id string) (*Process, error) {
	runner.mu.RLock()
	p := runner.processes[id]
	runner.mu.RUnlock()
	if p == nil {
		return nil, os.ErrNotExist
	}
	return p, nil
}

// Status returns the current status of the process with the given identifier.
func (runner *Runner) Status(id string) (lib.ProcessStatus, error) {
	p, err := runner.Get(id)
	if err != nil {
		return lib.ProcessStatus{}, err
	}
	return p.Status(), nil
}

// Status returns a snapshot of the process state.
func (p *Process) Status() lib.ProcessStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := lib.ProcessStatus{State: p.state, Pid: p.pid, StartTime: p.start}
	if p.exitCode != nil {
		code := *p.exitCode
		st.ExitCode = &code
	}
	if p.end != nil {
		t := *p.end
		st.EndTime = &t
	}
	return st
}

// Wait blocks until the process exits or ctx is done. A non-zero exit code
// is reported as an error.
func (p *Process) Wait(ctx context.Context) (lib.ProcessStatus, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return p.Status(), errors.Trace(ctx.Err())
	}

	p.mu.RLock()
	waitErr := p.waitErr
	p.mu.RUnlock()
	st := p.Status()
	if waitErr != nil {
		return st, errors.Annotatef(waitErr, "%s (pid %d)", p.name, p.pid)
	}
	if st.ExitCode != nil && *st.ExitCode != 0 {
		return st, errors.Errorf("%s (pid %d) exited with code %d", p.name, p.pid, *st.ExitCode)
	}
	return st, nil
}
