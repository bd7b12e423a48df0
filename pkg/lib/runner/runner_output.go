package runner

import (
	"github.com/pingcap/errors"
)

// Output subscribes to the captured output streams of a process. Both
// channels close once the process has exited and its output is delivered.
func (runner *Runner) Output(id string) (<-chan []byte, <-chan []byte, error) {
	p, err := runner.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if p.stdout == nil || p.stderr == nil {
		return nil, nil, errors.Errorf("output of %s (%s) is not captured", p.name, id)
	}

	return p.stdout.Subscribe(5), p.stderr.Subscribe(5), nil
}
