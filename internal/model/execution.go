package model

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of an execution.
type State string

// Execution state constants.
const (
	StateCreated   State = "CREATED"
	StatePreparing State = "PREPARING"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// InitialState is the state every execution is created in.
const InitialState = StateCreated

// validTransitions maps each state to the set of states it may transition to.
// Terminal states have no entry.
var validTransitions = map[State]map[State]bool{
	StateCreated: {
		StatePreparing: true,
		StateCancelled: true,
	},
	StatePreparing: {
		StateRunning:   true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateRunning: {
		StatePaused:    true,
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StatePaused: {
		StateRunning:   true,
		StateCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transitions are possible from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StatePreparing, StateRunning, StatePaused,
		StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func (s State) String() string { return string(s) }

// Failure kinds recorded on ExecutionError.
const (
	ErrorKindCapability            = "capability_error"
	ErrorKindCapabilityUnavailable = "capability_unavailable"
	ErrorKindInvalidInput          = "invalid_input"
	ErrorKindStepLimit             = "step_limit_exceeded"
	ErrorKindPanic                 = "panic"
	ErrorKindPersistence           = "persistence_error"
	ErrorKindInternal              = "internal"
)

// ExecutionError is the structured failure description stored on a FAILED
// execution. It is data, not a Go error returned to callers.
type ExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// Execution is one attempt at running an agent's task to completion.
type Execution struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	TaskID      string          `json:"task_id"`
	State       State           `json:"state"`
	Progress    int             `json:"progress"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	RetriedFrom string          `json:"retried_from,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HistoryEntry is an append-only audit record of a single transition.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	FromState   State     `json:"from_state"`
	ToState     State     `json:"to_state"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// ProgressUpdate is an ephemeral progress report for an execution.
type ProgressUpdate struct {
	ExecutionID string    `json:"execution_id"`
	Percentage  int       `json:"percentage"`
	StepLabel   string    `json:"step_label"`
	Timestamp   time.Time `json:"timestamp"`
}

// Replay applies history entries in order starting from InitialState and
// returns the resulting state. ok is false when an entry's FromState does
// not match the replayed state or the edge is not allowed.
func Replay(entries []HistoryEntry) (State, bool) {
	cur := InitialState
	for _, e := range entries {
		if e.FromState != cur || !ValidTransition(e.FromState, e.ToState) {
			return cur, false
		}
		cur = e.ToState
	}
	return cur, true
}
