package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

// SaveWorkflowRun stores the latest summary of a workflow run.
func (s *Store) SaveWorkflowRun(sum workflow.Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO workflow_runs (id, name, policy, status, summary, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			summary = excluded.summary,
			finished_at = excluded.finished_at`,
		sum.WorkflowID, sum.Name, string(sum.Policy), string(sum.Status), string(data),
		sum.StartedAt, nullTime(sum.FinishedAt))
	if err != nil {
		return fmt.Errorf("save workflow run: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRun(id string) (*workflow.Summary, error) {
	var data string
	err := s.db.QueryRow(`SELECT summary FROM workflow_runs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	var sum workflow.Summary
	if err := json.Unmarshal([]byte(data), &sum); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &sum, nil
}

// ListWorkflowRuns returns stored summaries, newest first.
func (s *Store) ListWorkflowRuns(limit int) ([]workflow.Summary, error) {
	query := `SELECT summary FROM workflow_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []workflow.Summary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		var sum workflow.Summary
		if err := json.Unmarshal([]byte(data), &sum); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		runs = append(runs, sum)
	}
	return runs, rows.Err()
}
