package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(255) PRIMARY KEY,
    agent_type VARCHAR(50) NOT NULL,
    task_type VARCHAR(100) NOT NULL,
    goal TEXT NOT NULL,
    params_json TEXT,
    status VARCHAR(20) NOT NULL,
    result_json TEXT,
    error TEXT,
    iteration INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

// Separate statements keep SQLite happy.
const createTasksStatusIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`

const createTasksCreatedAtIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`

// SQLLedger is a SQLite-backed task ledger. Tasks survive restarts so
// pending work can be inspected or resumed after a crash.
type SQLLedger struct {
	db *sql.DB
}

// NewSQLLedger opens (creating if needed) the ledger database at path.
func NewSQLLedger(path string) (*SQLLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task ledger: %w", err)
	}

	l := &SQLLedger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize task ledger schema: %w", err)
	}
	return l, nil
}

func (l *SQLLedger) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{createTasksTableSQL, createTasksStatusIndexSQL, createTasksCreatedAtIndexSQL} {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts a task. created_at is preserved on update.
func (l *SQLLedger) Save(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}

	paramsJSON, err := marshalOrEmpty(task.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal task params: %w", err)
	}
	resultJSON, err := marshalOrEmpty(task.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal task result: %w", err)
	}

	query := `
INSERT INTO tasks (id, agent_type, task_type, goal, params_json, status, result_json, error, iteration, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    result_json = excluded.result_json,
    error = excluded.error,
    iteration = excluded.iteration,
    updated_at = excluded.updated_at
`
	_, err = l.db.ExecContext(ctx, query,
		task.ID, string(task.AgentType), task.TaskType, task.Goal, paramsJSON,
		string(task.Status), resultJSON, task.Error, task.Iteration,
		task.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// Get retrieves a task by id.
func (l *SQLLedger) Get(ctx context.Context, id string) (*Task, error) {
	query := `
SELECT id, agent_type, task_type, goal, params_json, status, result_json, error, iteration, created_at, updated_at
FROM tasks WHERE id = ?
`
	task, err := scanTask(l.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &TaskNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

// List returns tasks with the given status, oldest first. An empty
// status returns everything.
func (l *SQLLedger) List(ctx context.Context, status TaskStatus) ([]*Task, error) {
	query := `
SELECT id, agent_type, task_type, goal, params_json, status, result_json, error, iteration, created_at, updated_at
FROM tasks WHERE status = ? ORDER BY created_at
`
	args := []any{string(status)}
	if status == "" {
		query = `
SELECT id, agent_type, task_type, goal, params_json, status, result_json, error, iteration, created_at, updated_at
FROM tasks ORDER BY created_at
`
		args = nil
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var agentType, status, paramsJSON, resultJSON string
	if err := row.Scan(&task.ID, &agentType, &task.TaskType, &task.Goal, &paramsJSON,
		&status, &resultJSON, &task.Error, &task.Iteration, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.AgentType = protocol.AgentType(agentType)
	task.Status = TaskStatus(status)
	if paramsJSON != "" && paramsJSON != "{}" {
		if err := json.Unmarshal([]byte(paramsJSON), &task.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task params: %w", err)
		}
	}
	if resultJSON != "" && resultJSON != "{}" {
		if err := json.Unmarshal([]byte(resultJSON), &task.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task result: %w", err)
		}
	}
	return &task, nil
}

func marshalOrEmpty(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Compile-time interface compliance checks.
var (
	_ Ledger = (*SQLLedger)(nil)
	_ Ledger = (*MemoryLedger)(nil)
)
