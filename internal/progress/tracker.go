// Package progress validates, persists and announces execution progress.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/agentexec/internal/model"
	"github.com/seantiz/agentexec/internal/store"
)

// ErrInvalidProgress matches every *Error via errors.Is.
var ErrInvalidProgress = errors.New("invalid progress")

// Error describes a rejected progress update.
type Error struct {
	ExecutionID string
	Percentage  int
	Current     int
	Reason      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid progress %d for execution %s (current %d): %s",
		e.Percentage, e.ExecutionID, e.Current, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalidProgress }

// Repository is the subset of store.Store the tracker needs.
type Repository interface {
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	UpdateProgress(ctx context.Context, id string, percentage int) error
}

// Emitter publishes progress events.
type Emitter interface {
	EmitProgress(ctx context.Context, exec *model.Execution, u model.ProgressUpdate)
}

// Locker hands out the per-execution lock shared with state transitions.
type Locker interface {
	Lock(executionID string) (unlock func())
}

// Tracker persists progress and emits an event per accepted update.
// Reaching 100 never changes the execution state.
type Tracker struct {
	repo    Repository
	emitter Emitter
	locks   Locker
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates a progress tracker. When locks is non-nil each update
// is checked, persisted and emitted while holding the execution's lock, so
// no progress event follows the event of a terminal transition.
func NewTracker(repo Repository, emitter Emitter, locks Locker, logger *slog.Logger) *Tracker {
	return &Tracker{
		repo:    repo,
		emitter: emitter,
		locks:   locks,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Update records percentage for the execution. It fails with an *Error when
// percentage is outside [0,100], lower than the stored progress, or the
// execution is already terminal.
func (t *Tracker) Update(ctx context.Context, executionID string, percentage int, stepLabel string) error {
	if percentage < 0 || percentage > 100 {
		return &Error{ExecutionID: executionID, Percentage: percentage, Reason: "out of range [0,100]"}
	}
	if t.locks != nil {
		unlock := t.locks.Lock(executionID)
		defer unlock()
	}

	exec, err := t.repo.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if err := check(exec, percentage); err != nil {
		return err
	}

	if err := t.repo.UpdateProgress(ctx, executionID, percentage); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("persist progress: %w", err)
		}
		// Lost a race with a concurrent writer; report against fresh state.
		fresh, gerr := t.repo.GetExecution(ctx, executionID)
		if gerr != nil {
			return fmt.Errorf("reload execution: %w", gerr)
		}
		if cerr := check(fresh, percentage); cerr != nil {
			return cerr
		}
		return fmt.Errorf("persist progress: %w", err)
	}

	exec.Progress = percentage
	u := model.ProgressUpdate{
		ExecutionID: executionID,
		Percentage:  percentage,
		StepLabel:   stepLabel,
		Timestamp:   t.now(),
	}
	t.logger.Debug("progress updated",
		"execution_id", executionID,
		"percentage", percentage,
		"step", stepLabel,
	)
	t.emitter.EmitProgress(ctx, exec, u)
	return nil
}

func check(exec *model.Execution, percentage int) error {
	if exec.State.IsTerminal() {
		return &Error{
			ExecutionID: exec.ID, Percentage: percentage, Current: exec.Progress,
			Reason: fmt.Sprintf("execution is %s", exec.State),
		}
	}
	if percentage < exec.Progress {
		return &Error{
			ExecutionID: exec.ID, Percentage: percentage, Current: exec.Progress,
			Reason: "progress may not decrease",
		}
	}
	return nil
}
