package lib

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrAlreadyTerminated is returned when termination is requested twice for
// the same managed process.
var ErrAlreadyTerminated = errors.New("termination already requested")

// SpawnError reports that an external process could not be started.
type SpawnError struct {
	Name    string
	Command Command
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s (%s): %v", e.Name, e.Command.String(), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// RequestError reports a failed shot. It never aborts a run.
type RequestError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("request %s returned status %d", e.URL, e.StatusCode)
}

func (e *RequestError) Unwrap() error { return e.Err }

// RenderError reports a failed stage of the rendering pipeline.
type RenderError struct {
	Stage    int
	Command  Command
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RenderError) Error() string {
	msg := fmt.Sprintf("render stage %d (%s) failed", e.Stage, e.Command.String())
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	if e.Stderr != "" {
		msg += fmt.Sprintf(": %s", e.Stderr)
	}
	return msg
}

func (e *RenderError) Unwrap() error { return e.Err }

// ExitError reports a managed process that exited with a non-zero code
// before it was asked to stop.
type ExitError struct {
	Name     string
	Pid      int
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s (pid %d) exited early with code %d", e.Name, e.Pid, e.ExitCode)
	if e.Stderr != "" {
		msg += fmt.Sprintf(": %s", e.Stderr)
	}
	return msg
}
