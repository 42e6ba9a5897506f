// Package store is the persistence boundary for executions and their
// append-only transition history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/agentexec/internal/model"
)

var (
	// ErrNotFound is returned when an execution id is unknown.
	ErrNotFound = errors.New("execution not found")

	// ErrConflict is returned when the persisted state or progress no longer
	// matches what the caller expected.
	ErrConflict = errors.New("execution conflict")

	// ErrPersistence matches any *PersistenceError via errors.Is.
	ErrPersistence = errors.New("persistence failure")
)

// PersistenceError wraps a storage-layer failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersistence) true for every PersistenceError.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// StatePatch carries the optional columns written together with a state change.
type StatePatch struct {
	Result json.RawMessage
	Error  *model.ExecutionError
}

// Store defines the persistence operations for executions.
type Store interface {
	// CreateExecution inserts a new execution. CreatedAt and UpdatedAt are
	// assigned by the store.
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutionsByAgent(ctx context.Context, agentID string) ([]*model.Execution, error)

	// UpdateState moves entry.ExecutionID from entry.FromState to
	// entry.ToState and appends entry to the history in one transaction.
	// It returns ErrConflict when the persisted state is not entry.FromState.
	UpdateState(ctx context.Context, entry model.HistoryEntry, patch StatePatch) (*model.Execution, error)

	// UpdateProgress stores percentage when the execution is non-terminal and
	// the stored progress does not exceed it. Otherwise it returns ErrConflict.
	UpdateProgress(ctx context.Context, id string, percentage int) error

	ListHistory(ctx context.Context, executionID string) ([]model.HistoryEntry, error)
	Close() error
}
