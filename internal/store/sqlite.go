package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/agentexec/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS executions (
    id           TEXT PRIMARY KEY,
    agent_id     TEXT NOT NULL,
    task_id      TEXT NOT NULL,
    state        TEXT NOT NULL,
    progress     INTEGER NOT NULL DEFAULT 0,
    input        TEXT,
    result       TEXT,
    error        TEXT,
    attempt      INTEGER NOT NULL DEFAULT 1,
    retried_from TEXT,
    created_at   DATETIME NOT NULL,
    updated_at   DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS execution_history (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL REFERENCES executions(id),
    from_state   TEXT NOT NULL,
    to_state     TEXT NOT NULL,
    reason       TEXT NOT NULL,
    timestamp    DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_history_execution ON execution_history(execution_id, id)`,
}

const selectExecution = `SELECT id, agent_id, task_id, state, progress, input,
	result, error, attempt, retried_from, created_at, updated_at
FROM executions`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writes; a single connection also keeps ":memory:"
	// databases shared across callers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return newSQLiteStoreWithDB(db), nil
}

func newSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now

	errJSON, err := marshalError(e.Error)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (
			id, agent_id, task_id, state, progress, input,
			result, error, attempt, retried_from, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentID, e.TaskID, string(e.State), e.Progress, nullJSON(e.Input),
		nullJSON(e.Result), errJSON, e.Attempt, nullString(e.RetriedFrom), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return persistErr("insert execution", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, selectExecution+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get execution", err)
	}
	return e, nil
}

// ListExecutionsByAgent returns an agent's executions, newest first.
func (s *SQLiteStore) ListExecutionsByAgent(ctx context.Context, agentID string) ([]*model.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		selectExecution+" WHERE agent_id = ? ORDER BY created_at DESC, id DESC", agentID)
	if err != nil {
		return nil, persistErr("list executions", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, persistErr("scan execution", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate executions", err)
	}
	return out, nil
}

// UpdateState writes the new state and the history entry in one transaction.
// The state column is only written when it still equals entry.FromState.
func (s *SQLiteStore) UpdateState(ctx context.Context, entry model.HistoryEntry, patch StatePatch) (*model.Execution, error) {
	now := s.now()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	errJSON, err := marshalError(patch.Error)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE executions
		SET state = ?, updated_at = ?, result = COALESCE(?, result), error = COALESCE(?, error)
		WHERE id = ? AND state = ?`,
		string(entry.ToState), now, nullJSON(patch.Result), errJSON,
		entry.ExecutionID, string(entry.FromState),
	)
	if err != nil {
		return nil, persistErr("update state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, persistErr("check rows affected", err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT state FROM executions WHERE id = ?", entry.ExecutionID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, persistErr("read state", err)
		}
		return nil, fmt.Errorf("%w: expected state %s, found %s", ErrConflict, entry.FromState, current)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_history (execution_id, from_state, to_state, reason, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ExecutionID, string(entry.FromState), string(entry.ToState), entry.Reason, entry.Timestamp,
	); err != nil {
		return nil, persistErr("insert history", err)
	}

	e, err := scanExecution(tx.QueryRowContext(ctx, selectExecution+" WHERE id = ?", entry.ExecutionID))
	if err != nil {
		return nil, persistErr("reload execution", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit", err)
	}
	return e, nil
}

// UpdateProgress stores the percentage if the execution is non-terminal and
// the write does not move progress backwards.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, percentage int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET progress = ?, updated_at = ?
		WHERE id = ? AND progress <= ? AND state NOT IN (?, ?, ?)`,
		percentage, s.now(), id, percentage,
		string(model.StateCompleted), string(model.StateFailed), string(model.StateCancelled),
	)
	if err != nil {
		return persistErr("update progress", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("check rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM executions WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return persistErr("read execution", err)
	}
	return fmt.Errorf("%w: progress %d rejected", ErrConflict, percentage)
}

// ListHistory returns an execution's history entries in insertion order.
func (s *SQLiteStore) ListHistory(ctx context.Context, executionID string) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, from_state, to_state, reason, timestamp
		FROM execution_history WHERE execution_id = ? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, persistErr("list history", err)
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		var from, to string
		if err := rows.Scan(&h.ID, &h.ExecutionID, &from, &to, &h.Reason, &h.Timestamp); err != nil {
			return nil, persistErr("scan history", err)
		}
		h.FromState = model.State(from)
		h.ToState = model.State(to)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate history", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var e model.Execution
	var state string
	var input, result, errText, retriedFrom sql.NullString
	if err := row.Scan(
		&e.ID, &e.AgentID, &e.TaskID, &state, &e.Progress, &input,
		&result, &errText, &e.Attempt, &retriedFrom, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.State = model.State(state)
	if input.Valid {
		e.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	if errText.Valid {
		var ee model.ExecutionError
		if err := json.Unmarshal([]byte(errText.String), &ee); err != nil {
			return nil, fmt.Errorf("decode error column: %w", err)
		}
		e.Error = &ee
	}
	e.RetriedFrom = retriedFrom.String
	return &e, nil
}

func marshalError(ee *model.ExecutionError) (sql.NullString, error) {
	if ee == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(ee)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode execution error: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
