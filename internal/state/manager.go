// Package state implements the execution state machine. Every state change
// goes through Manager.Transition, which validates the edge, persists the new
// state together with its history entry, applies worker side effects and
// announces the change.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/agentexec/internal/metrics"
	"github.com/seantiz/agentexec/internal/model"
	"github.com/seantiz/agentexec/internal/store"
)

// ErrInvalidTransition matches every *TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError reports an edge that is not in the transition table.
type TransitionError struct {
	ExecutionID string
	From        model.State
	To          model.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s: cannot transition from %s to %s", e.ExecutionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Repository is the subset of store.Store the state machine needs.
type Repository interface {
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	UpdateState(ctx context.Context, entry model.HistoryEntry, patch store.StatePatch) (*model.Execution, error)
}

// Workers is the worker control surface driven by state side effects.
type Workers interface {
	Cancel(id string)
	Pause(id string) bool
	Resume(id string) bool
}

// Emitter publishes state change notifications.
type Emitter interface {
	EmitStateChanged(ctx context.Context, exec *model.Execution, from, to model.State)
	EmitCompleted(ctx context.Context, exec *model.Execution)
	EmitFailed(ctx context.Context, exec *model.Execution)
}

// Option adds payload to a transition.
type Option func(*store.StatePatch)

// WithResult attaches the result payload. It is only written on a
// transition into COMPLETED.
func WithResult(result json.RawMessage) Option {
	return func(p *store.StatePatch) { p.Result = result }
}

// WithError attaches the failure description. It is only written on a
// transition into FAILED.
func WithError(ee *model.ExecutionError) Option {
	return func(p *store.StatePatch) { p.Error = ee }
}

// Manager serializes and applies state transitions.
type Manager struct {
	repo    Repository
	workers Workers
	emitter Emitter
	logger  *slog.Logger
	locks   *keyedMutex
}

// NewManager creates a state manager.
func NewManager(repo Repository, workers Workers, emitter Emitter, logger *slog.Logger) *Manager {
	return &Manager{
		repo:    repo,
		workers: workers,
		emitter: emitter,
		logger:  logger,
		locks:   newKeyedMutex(),
	}
}

// Transition moves the execution to the target state. Concurrent calls for
// the same execution are serialized: exactly one of two racing terminal
// transitions succeeds and the other fails with a *TransitionError.
//
// Entering CANCELLED or FAILED cancels the execution's worker before
// Transition returns. Event emission failures never undo a transition.
func (m *Manager) Transition(ctx context.Context, executionID string, to model.State, reason string, opts ...Option) (*model.Execution, error) {
	unlock := m.locks.lock(executionID)
	defer unlock()

	exec, err := m.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}

	from := exec.State
	if !model.ValidTransition(from, to) {
		metrics.RejectedTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		return nil, &TransitionError{ExecutionID: executionID, From: from, To: to}
	}

	var requested store.StatePatch
	for _, opt := range opts {
		opt(&requested)
	}
	var patch store.StatePatch
	switch to {
	case model.StateCompleted:
		patch.Result = requested.Result
	case model.StateFailed:
		patch.Error = requested.Error
	}

	updated, err := m.repo.UpdateState(ctx, model.HistoryEntry{
		ExecutionID: executionID,
		FromState:   from,
		ToState:     to,
		Reason:      reason,
	}, patch)
	if err != nil {
		return nil, fmt.Errorf("apply transition %s->%s: %w", from, to, err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if to.IsTerminal() {
		metrics.ExecutionDuration.WithLabelValues(string(to)).Observe(updated.UpdatedAt.Sub(updated.CreatedAt).Seconds())
	}

	m.applySideEffects(executionID, from, to)

	m.logger.Info("execution transitioned",
		"execution_id", executionID,
		"from_state", from,
		"to_state", to,
		"reason", reason,
	)

	m.emitter.EmitStateChanged(ctx, updated, from, to)
	switch to {
	case model.StateCompleted:
		m.emitter.EmitCompleted(ctx, updated)
	case model.StateFailed:
		m.emitter.EmitFailed(ctx, updated)
	}

	return updated, nil
}

// Lock acquires the per-execution lock that Transition holds and returns its
// release function. Work done under it is ordered with state changes.
func (m *Manager) Lock(executionID string) func() {
	return m.locks.lock(executionID)
}

func (m *Manager) applySideEffects(executionID string, from, to model.State) {
	switch to {
	case model.StateCancelled, model.StateFailed:
		m.workers.Cancel(executionID)
	case model.StatePaused:
		m.workers.Pause(executionID)
	case model.StateRunning:
		if from == model.StatePaused {
			m.workers.Resume(executionID)
		}
	}
}
