package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/foreman/internal/task"
)

const taskColumns = `id, agent_id, description, input, state, result, error_kind, error_message,
	workflow_id, step, created_at, started_at, finished_at`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*task.Task, error) {
	t := &task.Task{}
	var input, result, errKind, errMsg, workflowID, step sql.NullString
	var startedAt, finishedAt *time.Time
	err := scanner.Scan(&t.ID, &t.AgentID, &t.Description, &input, &t.State, &result, &errKind, &errMsg,
		&workflowID, &step, &t.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if t.Input, err = decodeJSON(input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if t.Result, err = decodeJSON(result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if errKind.Valid {
		t.Error = &task.Failure{Kind: task.FailureKind(errKind.String), Message: errMsg.String}
	}
	t.WorkflowID = workflowID.String
	t.Step = step.String
	if startedAt != nil {
		t.StartedAt = *startedAt
	}
	if finishedAt != nil {
		t.FinishedAt = *finishedAt
	}
	return t, nil
}

// SaveTask upserts a task snapshot. The failure cause is not persisted,
// only its kind and message.
func (s *Store) SaveTask(t task.Task) error {
	input, err := encodeJSON(t.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	result, err := encodeJSON(t.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	var errKind, errMsg any
	if t.Error != nil {
		errKind, errMsg = string(t.Error.Kind), t.Error.Message
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, agent_id, description, input, state, result, error_kind, error_message,
			workflow_id, step, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		t.ID, t.AgentID, t.Description, input, string(t.State), result, errKind, errMsg,
		t.WorkflowID, t.Step, t.CreatedAt, nullTime(t.StartedAt), nullTime(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns stored tasks matching f, newest first, at most limit
// rows (0 means no limit).
func (s *Store) ListTasks(f task.Filter, limit int) ([]task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// FailInterrupted marks tasks left pending or in progress by a previous
// process as failed. It returns the number of rows changed.
func (s *Store) FailInterrupted() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET state = 'failed', error_kind = 'canceled', error_message = 'interrupted by restart',
			finished_at = CURRENT_TIMESTAMP
		WHERE state IN ('pending', 'in_progress')`)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	return res.RowsAffected()
}

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSON(s sql.NullString) (any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
