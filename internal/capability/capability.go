package capability

import (
	"context"
	"encoding/json"

	"github.com/seantiz/agentexec/internal/model"
)

// Capability performs one step of an execution's work.
type Capability interface {
	// Invoke runs a single step. A returned error is unrecoverable and fails
	// the execution with kind capability_error. A structured failure reported
	// by the service belongs in Outcome.Failure instead.
	Invoke(ctx context.Context, req Request) (Outcome, error)
}

// Request is the input to one step.
type Request struct {
	ExecutionID string          `json:"execution_id"`
	AgentID     string          `json:"agent_id"`
	TaskID      string          `json:"task_id"`
	Attempt     int             `json:"attempt"`
	Step        int             `json:"step"`
	Input       json.RawMessage `json:"input,omitempty"`

	// Continuation is the opaque value returned by the previous step.
	Continuation json.RawMessage `json:"continuation,omitempty"`
}

// Outcome is the result of one step.
type Outcome struct {
	Done         bool                  `json:"done"`
	Progress     int                   `json:"progress"`
	StepLabel    string                `json:"step_label,omitempty"`
	Output       json.RawMessage       `json:"output,omitempty"`
	Failure      *model.ExecutionError `json:"failure,omitempty"`
	Continuation json.RawMessage       `json:"continuation,omitempty"`
}

// Func adapts an ordinary function to Capability.
type Func func(ctx context.Context, req Request) (Outcome, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Outcome, error) {
	return f(ctx, req)
}
