package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/agentexec/internal/capability"
	"github.com/seantiz/agentexec/internal/events"
	"github.com/seantiz/agentexec/internal/model"
	"github.com/seantiz/agentexec/internal/progress"
	"github.com/seantiz/agentexec/internal/runner"
	"github.com/seantiz/agentexec/internal/state"
	"github.com/seantiz/agentexec/internal/store"
	"github.com/seantiz/agentexec/internal/worker"
)

type fixture struct {
	store    *store.SQLiteStore
	rec      *events.Recorder
	workers  *worker.Manager
	states   *state.Manager
	registry *capability.Registry
	tracker  *progress.Tracker
	logger   *slog.Logger
	runner   *runner.Runner
}

func newFixture(t *testing.T, maxSteps int) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	rec := &events.Recorder{}
	em := events.NewEmitter(rec, time.Second, logger)
	workers := worker.NewManager(0, logger)
	states := state.NewManager(s, workers, em, logger)
	tracker := progress.NewTracker(s, em, states, logger)
	registry := capability.NewRegistry()

	t.Cleanup(func() {
		workers.CancelAll()
		workers.Wait()
		s.Close()
	})

	return &fixture{
		store:    s,
		rec:      rec,
		workers:  workers,
		states:   states,
		registry: registry,
		tracker:  tracker,
		logger:   logger,
		runner:   runner.New(states, tracker, registry, maxSteps, logger),
	}
}

func (f *fixture) start(t *testing.T, input string) *model.Execution {
	t.Helper()
	return f.startWith(t, f.runner, input)
}

func (f *fixture) startWith(t *testing.T, r *runner.Runner, input string) *model.Execution {
	t.Helper()
	e := &model.Execution{
		ID: model.NewID(), AgentID: "agent-1", TaskID: "task-1",
		State: model.StateCreated, Attempt: 1,
	}
	if input != "" {
		e.Input = json.RawMessage(input)
	}
	require.NoError(t, f.store.CreateExecution(context.Background(), e))
	_, err := f.workers.Spawn(e.ID, func(ctx context.Context, h *worker.Handle) {
		r.Run(ctx, e, h)
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) wait(t *testing.T, id string) *model.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.workers.AwaitCompletion(ctx, id))
	got, err := f.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (f *fixture) eventuallyState(t *testing.T, id string, want model.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := f.store.GetExecution(context.Background(), id)
		return err == nil && got.State == want
	}, 5*time.Second, 5*time.Millisecond, "execution never reached %s", want)
}

func (f *fixture) history(t *testing.T, id string) []model.State {
	t.Helper()
	entries, err := f.store.ListHistory(context.Background(), id)
	require.NoError(t, err)
	states := make([]model.State, len(entries))
	for i, e := range entries {
		states[i] = e.ToState
	}
	return states
}

// steps returns a capability reporting the given percentages, one per step,
// finishing on the last with output.
func steps(output string, pcts ...int) capability.Func {
	return func(_ context.Context, req capability.Request) (capability.Outcome, error) {
		out := capability.Outcome{Progress: pcts[req.Step-1], StepLabel: "step"}
		if req.Step == len(pcts) {
			out.Done = true
			out.Output = json.RawMessage(output)
		}
		return out, nil
	}
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", steps(`{"answer":"ok"}`, 30, 60, 100))

	e := f.start(t, `{"prompt":"hi"}`)
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"answer":"ok"}`, string(got.Result))
	assert.Nil(t, got.Error)

	assert.Equal(t, []model.State{model.StatePreparing, model.StateRunning, model.StateCompleted}, f.history(t, e.ID))
	assert.Equal(t, 3, f.rec.Count(e.ID, events.TypeStateChanged))
	assert.Equal(t, 3, f.rec.Count(e.ID, events.TypeProgress))
	assert.Equal(t, 1, f.rec.Count(e.ID, events.TypeCompleted))
	assert.False(t, f.workers.Running(e.ID))
}

func TestRunCapabilityErrorFails(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", capability.Func(func(context.Context, capability.Request) (capability.Outcome, error) {
		return capability.Outcome{}, errors.New("provider unreachable")
	}))

	e := f.start(t, "")
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorKindCapability, got.Error.Kind)
	assert.Equal(t, "provider unreachable", got.Error.Cause)
	assert.Equal(t, 1, f.rec.Count(e.ID, events.TypeFailed))
	assert.Zero(t, f.rec.Count(e.ID, events.TypeCompleted))
	assert.Equal(t, 0, f.workers.Active())
}

func TestRunStructuredFailureIsRecorded(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", capability.Func(func(context.Context, capability.Request) (capability.Outcome, error) {
		return capability.Outcome{Failure: &model.ExecutionError{
			Kind: model.ErrorKindCapability, Message: "content filtered", Cause: "policy",
		}}, nil
	}))

	e := f.start(t, "")
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, &model.ExecutionError{Kind: model.ErrorKindCapability, Message: "content filtered", Cause: "policy"}, got.Error)
}

func TestRunResolvesNamedCapability(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", steps(`"default"`, 100))
	f.registry.Register("summarize", steps(`"summary"`, 100))

	e := f.start(t, `{"capability":"summarize"}`)
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateCompleted, got.State)
	assert.JSONEq(t, `"summary"`, string(got.Result))
}

func TestRunUnknownCapabilityFailsWhilePreparing(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", steps(`{}`, 100))

	e := f.start(t, `{"capability":"translate"}`)
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorKindCapabilityUnavailable, got.Error.Kind)
	assert.Equal(t, []model.State{model.StatePreparing, model.StateFailed}, f.history(t, e.ID))
}

func TestRunInvalidInputFailsWhilePreparing(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", steps(`{}`, 100))

	e := f.start(t, `{"capability":42}`)
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorKindInvalidInput, got.Error.Kind)
}

func TestRunStepLimit(t *testing.T) {
	f := newFixture(t, 3)
	var calls atomic.Int32
	f.registry.Register("default", capability.Func(func(context.Context, capability.Request) (capability.Outcome, error) {
		calls.Add(1)
		return capability.Outcome{}, nil
	}))

	e := f.start(t, "")
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorKindStepLimit, got.Error.Kind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunPassesContinuation(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", capability.Func(func(_ context.Context, req capability.Request) (capability.Outcome, error) {
		if req.Step == 1 {
			return capability.Outcome{Continuation: json.RawMessage(`{"cursor":1}`)}, nil
		}
		return capability.Outcome{Done: true, Output: req.Continuation}, nil
	}))

	e := f.start(t, "")
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateCompleted, got.State)
	assert.JSONEq(t, `{"cursor":1}`, string(got.Result))
}

func TestRunIgnoresDecreasingProgress(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", steps(`{}`, 50, 20, 100))

	e := f.start(t, "")
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 2, f.rec.Count(e.ID, events.TypeProgress))
}

// Scenario: cancel while the capability is mid-step. The worker stops
// without any further state or progress write.
func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 0)
	inStep2 := make(chan struct{})
	f.registry.Register("default", capability.Func(func(ctx context.Context, req capability.Request) (capability.Outcome, error) {
		if req.Step == 1 {
			return capability.Outcome{Progress: 10, StepLabel: "first"}, nil
		}
		close(inStep2)
		<-ctx.Done()
		return capability.Outcome{Progress: 90, Done: true}, ctx.Err()
	}))

	e := f.start(t, "")
	select {
	case <-inStep2:
	case <-time.After(5 * time.Second):
		t.Fatal("capability never reached step 2")
	}

	_, err := f.states.Transition(context.Background(), e.ID, model.StateCancelled, "user request")
	require.NoError(t, err)
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateCancelled, got.State)
	assert.Equal(t, 10, got.Progress)
	assert.Equal(t, []model.State{model.StatePreparing, model.StateRunning, model.StateCancelled}, f.history(t, e.ID))
	assert.Zero(t, f.rec.Count(e.ID, events.TypeCompleted))
	assert.Zero(t, f.rec.Count(e.ID, events.TypeFailed))
}

func TestRunPauseHoldsCompletion(t *testing.T) {
	f := newFixture(t, 0)
	inStep := make(chan struct{})
	release := make(chan struct{})
	f.registry.Register("default", capability.Func(func(_ context.Context, req capability.Request) (capability.Outcome, error) {
		if req.Step == 1 {
			return capability.Outcome{Progress: 40}, nil
		}
		close(inStep)
		<-release
		return capability.Outcome{Progress: 100, Done: true, Output: json.RawMessage(`"done"`)}, nil
	}))

	e := f.start(t, "")
	<-inStep
	_, err := f.states.Transition(context.Background(), e.ID, model.StatePaused, "user request")
	require.NoError(t, err)
	close(release)

	time.Sleep(50 * time.Millisecond)
	got, err := f.store.GetExecution(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, got.State)
	assert.True(t, f.workers.Running(e.ID))

	_, err = f.states.Transition(context.Background(), e.ID, model.StateRunning, "resumed")
	require.NoError(t, err)
	got = f.wait(t, e.ID)

	assert.Equal(t, model.StateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, []model.State{
		model.StatePreparing, model.StateRunning, model.StatePaused, model.StateRunning, model.StateCompleted,
	}, f.history(t, e.ID))
}

func TestRunPausedCancelStops(t *testing.T) {
	f := newFixture(t, 0)
	inStep := make(chan struct{})
	release := make(chan struct{})
	f.registry.Register("default", capability.Func(func(context.Context, capability.Request) (capability.Outcome, error) {
		close(inStep)
		<-release
		return capability.Outcome{Progress: 20}, nil
	}))

	e := f.start(t, "")
	<-inStep
	_, err := f.states.Transition(context.Background(), e.ID, model.StatePaused, "hold")
	require.NoError(t, err)
	close(release)
	_, err = f.states.Transition(context.Background(), e.ID, model.StateCancelled, "abandon")
	require.NoError(t, err)

	got := f.wait(t, e.ID)
	assert.Equal(t, model.StateCancelled, got.State)
}

func TestRunPanicFailsOnlyThatExecution(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", steps(`{}`, 100))
	f.registry.Register("explode", capability.Func(func(context.Context, capability.Request) (capability.Outcome, error) {
		panic("boom")
	}))

	bad := f.start(t, `{"capability":"explode"}`)
	good := f.start(t, "")

	gotBad := f.wait(t, bad.ID)
	gotGood := f.wait(t, good.ID)

	assert.Equal(t, model.StateFailed, gotBad.State)
	require.NotNil(t, gotBad.Error)
	assert.Equal(t, model.ErrorKindPanic, gotBad.Error.Kind)
	assert.Equal(t, "boom", gotBad.Error.Message)
	assert.Equal(t, model.StateCompleted, gotGood.State)
}

func TestRunDoesNotWriteAfterExternalTerminal(t *testing.T) {
	f := newFixture(t, 0)
	proceed := make(chan struct{})
	f.registry.Register("default", capability.Func(func(context.Context, capability.Request) (capability.Outcome, error) {
		<-proceed
		return capability.Outcome{Done: true, Progress: 100}, nil
	}))

	e := f.start(t, "")
	f.eventuallyState(t, e.ID, model.StateRunning)

	// Cancel through the store only so the worker's context stays live; the
	// runner must still refuse to overwrite the terminal state.
	_, err := f.store.UpdateState(context.Background(), model.HistoryEntry{
		ExecutionID: e.ID, FromState: model.StateRunning, ToState: model.StateCancelled,
	}, store.StatePatch{})
	require.NoError(t, err)
	close(proceed)

	got := f.wait(t, e.ID)
	assert.Equal(t, model.StateCancelled, got.State)
	assert.Equal(t, 0, got.Progress)
}

// brokenCommit fails every transition into the given state as if the
// database commit had failed.
type brokenCommit struct {
	*state.Manager
	on    model.State
	calls atomic.Int32
}

func (b *brokenCommit) Transition(ctx context.Context, id string, to model.State, reason string, opts ...state.Option) (*model.Execution, error) {
	if to == b.on {
		b.calls.Add(1)
		return nil, &store.PersistenceError{Op: "commit", Err: errors.New("disk I/O error")}
	}
	return b.Manager.Transition(ctx, id, to, reason, opts...)
}

func TestRunPersistenceErrorFailsExecution(t *testing.T) {
	for _, on := range []model.State{model.StateRunning, model.StateCompleted} {
		t.Run(string(on), func(t *testing.T) {
			f := newFixture(t, 0)
			f.registry.Register("default", steps(`{}`, 100))
			sm := &brokenCommit{Manager: f.states, on: on}
			r := runner.New(sm, f.tracker, f.registry, 0, f.logger)

			e := f.startWith(t, r, "")
			got := f.wait(t, e.ID)

			assert.False(t, f.workers.Running(e.ID))
			assert.Equal(t, model.StateFailed, got.State)
			require.NotNil(t, got.Error)
			assert.Equal(t, model.ErrorKindPersistence, got.Error.Kind)
			assert.Contains(t, got.Error.Cause, "commit")
			assert.Equal(t, int32(1), sm.calls.Load())
		})
	}
}

func TestRunUnrecordableFailureGivesUp(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register("default", capability.Func(func(context.Context, capability.Request) (capability.Outcome, error) {
		return capability.Outcome{}, errors.New("upstream down")
	}))
	sm := &brokenCommit{Manager: f.states, on: model.StateFailed}
	r := runner.New(sm, f.tracker, f.registry, 0, f.logger)

	e := f.startWith(t, r, "")
	got := f.wait(t, e.ID)

	assert.Equal(t, model.StateRunning, got.State)
	assert.Equal(t, int32(2), sm.calls.Load(), "one capability failure plus one persistence failure")
}
