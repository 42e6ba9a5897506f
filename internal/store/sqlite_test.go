package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/agentexec/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestExecution(agentID string) *model.Execution {
	return &model.Execution{
		ID:      model.NewID(),
		AgentID: agentID,
		TaskID:  "task-7",
		State:   model.StateCreated,
		Input:   json.RawMessage(`{"prompt":"hi"}`),
		Attempt: 1,
	}
}

func mustCreate(t *testing.T, s *SQLiteStore, e *model.Execution) {
	t.Helper()
	if err := s.CreateExecution(context.Background(), e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
}

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution("agent-1")
	mustCreate(t, s, e)

	assert.False(t, e.CreatedAt.IsZero(), "CreatedAt should be assigned by the store")

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "task-7", got.TaskID)
	assert.Equal(t, model.StateCreated, got.State)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, 1, got.Attempt)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(got.Input))
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)
	assert.Empty(t, got.RetriedFrom)
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExecution(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetExecution error = %v, want ErrNotFound", err)
	}
}

func TestCreateExecutionDuplicateIsPersistenceError(t *testing.T) {
	s := newTestStore(t)
	e := makeTestExecution("agent-1")
	mustCreate(t, s, e)

	dup := *e
	err := s.CreateExecution(context.Background(), &dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "insert execution", pe.Op)
}

func TestListExecutionsByAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		e := makeTestExecution("agent-1")
		mustCreate(t, s, e)
		ids = append(ids, e.ID)
	}
	mustCreate(t, s, makeTestExecution("agent-2"))

	got, err := s.ListExecutionsByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, e := range got {
		assert.Equal(t, "agent-1", e.AgentID)
	}
	// Newest first.
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[0], got[2].ID)

	none, err := s.ListExecutionsByAgent(ctx, "agent-404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateStateWritesStateAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution("agent-1")
	mustCreate(t, s, e)

	steps := []model.State{model.StatePreparing, model.StateRunning, model.StateCompleted}
	from := model.StateCreated
	for _, to := range steps {
		patch := StatePatch{}
		if to == model.StateCompleted {
			patch.Result = json.RawMessage(`{"answer":42}`)
		}
		got, err := s.UpdateState(ctx, model.HistoryEntry{
			ExecutionID: e.ID, FromState: from, ToState: to, Reason: "step",
		}, patch)
		require.NoError(t, err, "%s -> %s", from, to)
		assert.Equal(t, to, got.State)
		from = to
	}

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, got.State)
	assert.JSONEq(t, `{"answer":42}`, string(got.Result))

	history, err := s.ListHistory(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.StateCreated, history[0].FromState)
	assert.Equal(t, model.StatePreparing, history[0].ToState)
	assert.Equal(t, model.StateCompleted, history[2].ToState)

	replayed, ok := model.Replay(history)
	assert.True(t, ok)
	assert.Equal(t, got.State, replayed)
}

func TestUpdateStatePersistsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution("agent-1")
	mustCreate(t, s, e)

	_, err := s.UpdateState(ctx, model.HistoryEntry{
		ExecutionID: e.ID, FromState: model.StateCreated, ToState: model.StatePreparing,
	}, StatePatch{})
	require.NoError(t, err)

	failed, err := s.UpdateState(ctx, model.HistoryEntry{
		ExecutionID: e.ID, FromState: model.StatePreparing, ToState: model.StateFailed, Reason: "boom",
	}, StatePatch{Error: &model.ExecutionError{Kind: model.ErrorKindCapability, Message: "boom", Cause: "upstream 500"}})
	require.NoError(t, err)
	require.NotNil(t, failed.Error)
	assert.Equal(t, model.ErrorKindCapability, failed.Error.Kind)
	assert.Equal(t, "upstream 500", failed.Error.Cause)
}

func TestUpdateStateConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution("agent-1")
	mustCreate(t, s, e)

	_, err := s.UpdateState(ctx, model.HistoryEntry{
		ExecutionID: e.ID, FromState: model.StateRunning, ToState: model.StateCompleted,
	}, StatePatch{})
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCreated, got.State)

	history, err := s.ListHistory(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "a rejected update must not append history")
}

func TestUpdateStateNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateState(context.Background(), model.HistoryEntry{
		ExecutionID: "missing", FromState: model.StateCreated, ToState: model.StatePreparing,
	}, StatePatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProgressGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution("agent-1")
	mustCreate(t, s, e)

	require.NoError(t, s.UpdateProgress(ctx, e.ID, 40))
	require.NoError(t, s.UpdateProgress(ctx, e.ID, 40), "equal progress is allowed")

	err := s.UpdateProgress(ctx, e.ID, 30)
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	_, err = s.UpdateState(ctx, model.HistoryEntry{
		ExecutionID: e.ID, FromState: model.StateCreated, ToState: model.StateCancelled,
	}, StatePatch{})
	require.NoError(t, err)

	err = s.UpdateProgress(ctx, e.ID, 90)
	assert.ErrorIs(t, err, ErrConflict, "terminal executions reject progress")

	assert.ErrorIs(t, s.UpdateProgress(ctx, "missing", 10), ErrNotFound)
}

func TestUpdateStateRollsBackWhenHistoryInsertFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE executions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO execution_history").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	s := newSQLiteStoreWithDB(db)
	_, err = s.UpdateState(context.Background(), model.HistoryEntry{
		ExecutionID: "exec-1", FromState: model.StateCreated, ToState: model.StatePreparing,
	}, StatePatch{})
	require.ErrorIs(t, err, ErrPersistence)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "insert history", pe.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStateRollsBackOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE executions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT state FROM executions").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(string(model.StateCancelled)))
	mock.ExpectRollback()

	s := newSQLiteStoreWithDB(db)
	_, err = s.UpdateState(context.Background(), model.HistoryEntry{
		ExecutionID: "exec-1", FromState: model.StateRunning, ToState: model.StateCompleted,
	}, StatePatch{})
	require.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
