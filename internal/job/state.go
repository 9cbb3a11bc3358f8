package job

import (
	"processagent/internal/apperrors"
	"slices"
)

// State is the lifecycle state of a job, as seen by the agent or reported by
// the scheduler.
type State string

const (
	StatePending     State = "PENDING"
	StateSubmitted   State = "SUBMITTED"
	StateQueuing     State = "QUEUING"
	StateQueued      State = "QUEUED"
	StateRunning     State = "RUNNING"
	StateCancelling  State = "CANCELLING"
	StateCancelled   State = "CANCELLED"
	StateSucceeded   State = "SUCCEEDED"
	StateFailed      State = "FAILED"
	StateInterrupted State = "INTERRUPTED"
	StateKilled      State = "KILLED"
)

// States lists every state in lifecycle order.
var States = []State{
	StatePending,
	StateSubmitted,
	StateQueuing,
	StateQueued,
	StateRunning,
	StateCancelling,
	StateCancelled,
	StateSucceeded,
	StateFailed,
	StateInterrupted,
	StateKilled,
}

func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(States, s)
}

// IsAcked reports whether the scheduler is handling a job in state s.
func (s State) IsAcked() bool {
	switch s {
	case StateQueuing, StateQueued, StateRunning, StateCancelling:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition happens from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCancelled, StateFailed, StateSucceeded, StateKilled:
		return true
	}
	return false
}

// ParseState converts a scheduler-provided string into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", apperrors.Validationf("state", "unknown job state %q", v)
	}
	return s, nil
}
