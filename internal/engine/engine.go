package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/agentexec/internal/model"
	"github.com/seantiz/agentexec/internal/runner"
	"github.com/seantiz/agentexec/internal/state"
	"github.com/seantiz/agentexec/internal/store"
	"github.com/seantiz/agentexec/internal/worker"
)

// StateMachine applies state transitions.
type StateMachine interface {
	Transition(ctx context.Context, executionID string, to model.State, reason string, opts ...state.Option) (*model.Execution, error)
}

// Workers runs one background worker per execution.
type Workers interface {
	Spawn(id string, work worker.Work) (*worker.Handle, error)
	AwaitCompletion(ctx context.Context, id string) error
	IDs() []string
	Close()
	CancelAll()
	Wait()
}

// Runner drives a single execution to a terminal state.
type Runner interface {
	Run(ctx context.Context, exec *model.Execution, gate runner.Gate)
}

// Engine is the execution service facade.
type Engine struct {
	store   store.Store
	states  StateMachine
	workers Workers
	runner  Runner
	logger  *slog.Logger
	closed  atomic.Bool
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, states StateMachine, workers Workers, r Runner, logger *slog.Logger) *Engine {
	return &Engine{
		store:   s,
		states:  states,
		workers: workers,
		runner:  r,
		logger:  logger,
	}
}

// StartExecution creates an execution in CREATED and launches its worker.
// The returned snapshot is taken before the worker starts.
func (e *Engine) StartExecution(ctx context.Context, agentID, taskID string, input json.RawMessage) (*model.Execution, error) {
	if err := validateStart(agentID, taskID, input); err != nil {
		return nil, err
	}
	exec := &model.Execution{
		ID:      model.NewID(),
		AgentID: agentID,
		TaskID:  taskID,
		State:   model.InitialState,
		Input:   input,
		Attempt: 1,
	}
	return e.launch(ctx, exec)
}

// RetryExecution creates a new attempt of a FAILED or CANCELLED execution.
// The new execution starts from progress 0 and references the original.
func (e *Engine) RetryExecution(ctx context.Context, id string) (*model.Execution, error) {
	orig, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if orig.State != model.StateFailed && orig.State != model.StateCancelled {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrInvalidRetry, id, orig.State)
	}

	exec := &model.Execution{
		ID:          model.NewID(),
		AgentID:     orig.AgentID,
		TaskID:      orig.TaskID,
		State:       model.InitialState,
		Input:       orig.Input,
		Attempt:     orig.Attempt + 1,
		RetriedFrom: orig.ID,
	}
	return e.launch(ctx, exec)
}

func (e *Engine) launch(ctx context.Context, exec *model.Execution) (*model.Execution, error) {
	if e.closed.Load() {
		return nil, worker.ErrClosed
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	snapshot := *exec
	work := *exec
	if _, err := e.workers.Spawn(exec.ID, func(ctx context.Context, h *worker.Handle) {
		e.runner.Run(ctx, &work, h)
	}); err != nil {
		// The row exists but nothing will drive it; close it out.
		if _, terr := e.states.Transition(context.WithoutCancel(ctx), exec.ID, model.StateCancelled, "worker not started"); terr != nil {
			e.logger.Error("failed to cancel unscheduled execution", "execution_id", exec.ID, "error", terr)
		}
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	e.logger.Info("execution started",
		"execution_id", exec.ID,
		"agent_id", exec.AgentID,
		"task_id", exec.TaskID,
		"attempt", exec.Attempt,
	)
	return &snapshot, nil
}

// CancelExecution moves the execution to CANCELLED and stops its worker.
// Cancelling an execution that is already terminal is a no-op.
func (e *Engine) CancelExecution(ctx context.Context, id string) error {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return fmt.Errorf("get execution: %w", err)
	}
	if exec.State.IsTerminal() {
		return nil
	}

	_, err = e.states.Transition(ctx, id, model.StateCancelled, "cancel requested")
	var terr *state.TransitionError
	if errors.As(err, &terr) && terr.From.IsTerminal() {
		// Finished between the read and the transition.
		return nil
	}
	return err
}

// PauseExecution moves a RUNNING execution to PAUSED. Its worker blocks at
// the next safe point; progress is kept.
func (e *Engine) PauseExecution(ctx context.Context, id string) (*model.Execution, error) {
	return e.states.Transition(ctx, id, model.StatePaused, "pause requested")
}

// ResumeExecution moves a PAUSED execution back to RUNNING.
func (e *Engine) ResumeExecution(ctx context.Context, id string) (*model.Execution, error) {
	return e.states.Transition(ctx, id, model.StateRunning, "resume requested")
}

// GetExecution returns the current snapshot of an execution.
func (e *Engine) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// ListExecutions returns the executions of an agent, newest first.
func (e *Engine) ListExecutions(ctx context.Context, agentID string) ([]*model.Execution, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, &ValidationError{Field: "agent_id", Message: "must not be empty"}
	}
	return e.store.ListExecutionsByAgent(ctx, agentID)
}

// GetHistory returns the transitions of an execution in the order they
// were applied.
func (e *Engine) GetHistory(ctx context.Context, id string) ([]model.HistoryEntry, error) {
	if _, err := e.store.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListHistory(ctx, id)
}

// Shutdown stops accepting executions and waits for in-flight workers until
// ctx is done. Executions still running at that point are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closed.Store(true)
	e.workers.Close()

	var g errgroup.Group
	for _, id := range e.workers.IDs() {
		g.Go(func() error {
			return e.workers.AwaitCompletion(ctx, id)
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}

	remaining := e.workers.IDs()
	e.logger.Warn("drain timed out, cancelling executions", "remaining", len(remaining))
	for _, id := range remaining {
		_, terr := e.states.Transition(context.WithoutCancel(ctx), id, model.StateCancelled, "shutdown")
		if terr != nil && !errors.Is(terr, state.ErrInvalidTransition) {
			e.logger.Error("failed to cancel execution on shutdown", "execution_id", id, "error", terr)
		}
	}
	e.workers.CancelAll()
	e.workers.Wait()
	return fmt.Errorf("drain: %w", err)
}

// Wait blocks until all in-flight workers complete.
func (e *Engine) Wait() {
	e.workers.Wait()
}

func validateStart(agentID, taskID string, input json.RawMessage) error {
	if strings.TrimSpace(agentID) == "" {
		return &ValidationError{Field: "agent_id", Message: "must not be empty"}
	}
	if strings.TrimSpace(taskID) == "" {
		return &ValidationError{Field: "task_id", Message: "must not be empty"}
	}
	if len(input) > 0 && !json.Valid(input) {
		return &ValidationError{Field: "input", Message: "must be valid JSON"}
	}
	return nil
}
