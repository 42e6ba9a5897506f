package events

import (
	"context"
	"sync"
)

// Recorder is a Publisher that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ForExecution returns the recorded events for one execution.
func (r *Recorder) ForExecution(executionID string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Data.ExecutionID == executionID {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events of the given type were recorded for an execution.
func (r *Recorder) Count(executionID, typ string) int {
	n := 0
	for _, ev := range r.ForExecution(executionID) {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
