// Package runner drives a single execution from PREPARING through to a
// terminal state by invoking its capability step by step.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/seantiz/agentexec/internal/capability"
	"github.com/seantiz/agentexec/internal/model"
	"github.com/seantiz/agentexec/internal/progress"
	"github.com/seantiz/agentexec/internal/state"
)

// DefaultMaxSteps caps capability invocations per execution.
const DefaultMaxSteps = 1000

// StateMachine applies state transitions.
type StateMachine interface {
	Transition(ctx context.Context, executionID string, to model.State, reason string, opts ...state.Option) (*model.Execution, error)
}

// ProgressTracker records progress.
type ProgressTracker interface {
	Update(ctx context.Context, executionID string, percentage int, stepLabel string) error
}

// Resolver looks up a capability by name; "" selects the default.
type Resolver interface {
	Resolve(name string) (capability.Capability, error)
}

// Gate blocks while the execution is paused.
type Gate interface {
	Wait(ctx context.Context) error
}

// Runner executes one execution at a time per call to Run. A single Runner
// is shared by all workers.
type Runner struct {
	states       StateMachine
	tracker      ProgressTracker
	capabilities Resolver
	logger       *slog.Logger
	maxSteps     int
}

// New creates a runner. maxSteps <= 0 uses DefaultMaxSteps.
func New(states StateMachine, tracker ProgressTracker, capabilities Resolver, maxSteps int, logger *slog.Logger) *Runner {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Runner{
		states:       states,
		tracker:      tracker,
		capabilities: capabilities,
		logger:       logger,
		maxSteps:     maxSteps,
	}
}

// errStopped means the run ended without this worker driving a terminal
// transition: it was cancelled, or someone else already finished it.
var errStopped = errors.New("run stopped")

// Run drives exec to completion. It never returns an error: failures become
// a FAILED transition and are logged. A transition that cannot be persisted
// is followed by one attempt to record FAILED with kind persistence_error. When ctx is cancelled Run returns at
// the next safe point without touching the execution's state.
func (r *Runner) Run(ctx context.Context, exec *model.Execution, gate Gate) {
	log := r.logger.With("execution_id", exec.ID, "agent_id", exec.AgentID)

	defer func() {
		if p := recover(); p != nil {
			log.Error("execution panicked",
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
			r.fail(ctx, log, exec.ID, gate, &model.ExecutionError{
				Kind:    model.ErrorKindPanic,
				Message: fmt.Sprint(p),
			})
		}
	}()

	err := r.run(ctx, log, exec, gate)
	switch {
	case err == nil, errors.Is(err, errStopped):
	case ctx.Err() != nil:
		log.Debug("execution stopped by cancellation")
	default:
		log.Error("execution run aborted", "error", err)
		ferr := r.fail(ctx, log, exec.ID, gate, &model.ExecutionError{
			Kind:    model.ErrorKindPersistence,
			Message: "execution state could not be advanced",
			Cause:   err.Error(),
		})
		if ferr != nil && !errors.Is(ferr, errStopped) {
			log.Error("failed to record execution failure", "error", ferr)
		}
	}
}

func (r *Runner) run(ctx context.Context, log *slog.Logger, exec *model.Execution, gate Gate) error {
	if err := r.transition(ctx, exec.ID, gate, model.StatePreparing, "worker started"); err != nil {
		return err
	}

	name, err := capabilityName(exec.Input)
	if err != nil {
		return r.fail(ctx, log, exec.ID, gate, &model.ExecutionError{
			Kind:    model.ErrorKindInvalidInput,
			Message: err.Error(),
		})
	}
	c, err := r.capabilities.Resolve(name)
	if err != nil {
		return r.fail(ctx, log, exec.ID, gate, &model.ExecutionError{
			Kind:    model.ErrorKindCapabilityUnavailable,
			Message: err.Error(),
		})
	}

	if err := r.transition(ctx, exec.ID, gate, model.StateRunning, "input prepared"); err != nil {
		return err
	}

	req := capability.Request{
		ExecutionID: exec.ID,
		AgentID:     exec.AgentID,
		TaskID:      exec.TaskID,
		Attempt:     exec.Attempt,
		Input:       exec.Input,
	}
	reported := 0
	for step := 1; step <= r.maxSteps; step++ {
		if err := gate.Wait(ctx); err != nil {
			return errStopped
		}

		req.Step = step
		out, err := c.Invoke(ctx, req)
		if ctx.Err() != nil {
			return errStopped
		}
		if err != nil {
			return r.fail(ctx, log, exec.ID, gate, &model.ExecutionError{
				Kind:    model.ErrorKindCapability,
				Message: fmt.Sprintf("step %d failed", step),
				Cause:   err.Error(),
			})
		}
		if out.Failure != nil {
			return r.fail(ctx, log, exec.ID, gate, out.Failure)
		}

		reported = r.report(ctx, log, exec.ID, reported, out)

		if out.Done {
			return r.transition(ctx, exec.ID, gate, model.StateCompleted, "capability finished",
				state.WithResult(out.Output))
		}
		req.Continuation = out.Continuation
	}

	return r.fail(ctx, log, exec.ID, gate, &model.ExecutionError{
		Kind:    model.ErrorKindStepLimit,
		Message: fmt.Sprintf("capability did not finish within %d steps", r.maxSteps),
	})
}

// report relays a step's progress and returns the highest accepted value.
func (r *Runner) report(ctx context.Context, log *slog.Logger, executionID string, reported int, out capability.Outcome) int {
	if out.Progress < reported {
		log.Warn("capability reported decreasing progress", "percentage", out.Progress, "current", reported)
		return reported
	}
	if out.Progress == reported && out.StepLabel == "" {
		return reported
	}
	if ctx.Err() != nil {
		return reported
	}
	if err := r.tracker.Update(ctx, executionID, out.Progress, out.StepLabel); err != nil {
		if !errors.Is(err, progress.ErrInvalidProgress) {
			log.Warn("progress update failed", "error", err)
		}
		return reported
	}
	return out.Progress
}

// transition waits at the pause gate and checks for cancellation immediately
// before applying the transition. A transition rejected because the
// execution was paused in the meantime waits at the gate and tries again;
// one rejected because the execution is already terminal stops the run.
func (r *Runner) transition(ctx context.Context, executionID string, gate Gate, to model.State, reason string, opts ...state.Option) error {
	for {
		if err := gate.Wait(ctx); err != nil {
			return errStopped
		}
		_, err := r.states.Transition(ctx, executionID, to, reason, opts...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errStopped
		}
		var terr *state.TransitionError
		if errors.As(err, &terr) {
			if terr.From == model.StatePaused {
				continue
			}
			return errStopped
		}
		return fmt.Errorf("transition to %s: %w", to, err)
	}
}

func (r *Runner) fail(ctx context.Context, log *slog.Logger, executionID string, gate Gate, ee *model.ExecutionError) error {
	log.Warn("execution failed", "kind", ee.Kind, "message", ee.Message, "cause", ee.Cause)
	return r.transition(ctx, executionID, gate, model.StateFailed, ee.Kind, state.WithError(ee))
}

// capabilityName reads the optional "capability" member of a JSON object
// input.
func capabilityName(input json.RawMessage) (string, error) {
	if len(input) == 0 {
		return "", nil
	}
	if !json.Valid(input) {
		return "", errors.New("input is not valid JSON")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(input, &obj); err != nil {
		return "", nil
	}
	raw, ok := obj["capability"]
	if !ok {
		return "", nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", errors.New("input.capability must be a string")
	}
	return name, nil
}
