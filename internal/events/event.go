// Package events formats execution lifecycle and progress notifications and
// publishes them to the event bus.
//
// Delivery is at-most-once: each event gets a single publish attempt bounded
// by the emitter timeout, and failures are logged rather than returned.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/seantiz/agentexec/internal/model"
)

// Event type names.
const (
	TypeStateChanged = "execution.state_changed"
	TypeProgress     = "execution.progress"
	TypeCompleted    = "execution.completed"
	TypeFailed       = "execution.failed"
)

// Event is the envelope published to the bus.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Data      `json:"data"`
}

// Data is the event payload. Field presence depends on the event type.
type Data struct {
	ExecutionID string                `json:"executionId"`
	AgentID     string                `json:"agentId,omitempty"`
	TaskID      string                `json:"taskId,omitempty"`
	Attempt     int                   `json:"attempt,omitempty"`
	FromState   model.State           `json:"fromState,omitempty"`
	ToState     model.State           `json:"toState,omitempty"`
	Percentage  *int                  `json:"percentage,omitempty"`
	StepLabel   string                `json:"stepLabel,omitempty"`
	Result      json.RawMessage       `json:"result,omitempty"`
	Error       *model.ExecutionError `json:"error,omitempty"`
	Timestamp   string                `json:"timestamp"`
}

// Publisher delivers an event to a transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// terminal reports whether no further events are expected for the execution
// after ev.
func (ev Event) terminal() bool {
	switch ev.Type {
	case TypeCompleted, TypeFailed:
		return true
	case TypeStateChanged:
		return ev.Data.ToState == model.StateCancelled
	}
	return false
}
