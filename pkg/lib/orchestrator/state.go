package orchestrator

import "time"

// State is a phase of a harness run.
type State int

const (
	StateIdle State = iota
	StateServerStarting
	StateProfilerStarting
	StateShooting
	StateProfilerStopping
	StateServerStopping
	StateRendering
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateServerStarting:
		return "ServerStarting"
	case StateProfilerStarting:
		return "ProfilerStarting"
	case StateShooting:
		return "Shooting"
	case StateProfilerStopping:
		return "ProfilerStopping"
	case StateServerStopping:
		return "ServerStopping"
	case StateRendering:
		return "Rendering"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition is delivered to the observer on every state change.
type Transition struct {
	RunID string
	From  State
	To    State
	At    time.Time
}
