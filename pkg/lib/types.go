package lib

import (
	"strings"
	"time"
)

// ProcessState is the liveness of a managed process.
type ProcessState int

const (
	ProcessStateUnspecified ProcessState = iota
	ProcessStateRunning
	ProcessStateExited
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStateRunning:
		return "running"
	case ProcessStateExited:
		return "exited"
	default:
		return "unspecified"
	}
}

// Command is an executable plus its argument list. It is passed to the OS
// as is, no shell is involved.
type Command struct {
	Command string
	Args    []string
}

// NewCommand builds a Command from argv style input.
func NewCommand(argv ...string) Command {
	if len(argv) == 0 {
		return Command{}
	}
	return Command{Command: argv[0], Args: append([]string(nil), argv[1:]...)}
}

// Argv returns the executable followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Command}, c.Args...)
}

// Expand returns a copy of the command with every placeholder key replaced
// by its value inside each token.
func (c Command) Expand(values map[string]string) Command {
	pairs := make([]string, 0, 2*len(values))
	for k, v := range values {
		pairs = append(pairs, k, v)
	}
	r := strings.NewReplacer(pairs...)
	out := Command{Command: r.Replace(c.Command), Args: make([]string, len(c.Args))}
	for i, a := range c.Args {
		out.Args[i] = r.Replace(a)
	}
	return out
}

func (c Command) String() string {
	return strings.TrimSpace(strings.Join(c.Argv(), " "))
}

// ProcessStatus captures runtime state and timestamps.
type ProcessStatus struct {
	State     ProcessState
	Pid       int
	ExitCode  *int
	StartTime time.Time
	EndTime   *time.Time
}
