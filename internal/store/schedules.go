package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule is the persisted run state of a configured schedule.
type Schedule struct {
	Name       string     `json:"name"`
	Workflow   string     `json:"workflow"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const scheduleColumns = `name, workflow, schedule, status, next_run_at, last_run_at, last_status, last_error, last_run_id, created_at`

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*Schedule, error) {
	sc := &Schedule{}
	var lastStatus, lastError, lastRunID sql.NullString
	err := scanner.Scan(&sc.Name, &sc.Workflow, &sc.Schedule, &sc.Status, &sc.NextRunAt, &sc.LastRunAt,
		&lastStatus, &lastError, &lastRunID, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	sc.LastStatus = lastStatus.String
	sc.LastError = lastError.String
	sc.LastRunID = lastRunID.String
	return sc, nil
}

// SaveSchedule upserts a schedule definition. Run history is preserved
// unless the schedule expression changed, in which case next_run_at is
// replaced.
func (s *Store) SaveSchedule(sc *Schedule) error {
	_, err := s.db.Exec(`
		INSERT INTO schedules (name, workflow, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			workflow = excluded.workflow,
			status = excluded.status,
			next_run_at = CASE WHEN schedule = excluded.schedule AND next_run_at IS NOT NULL
				THEN next_run_at ELSE excluded.next_run_at END,
			schedule = excluded.schedule`,
		sc.Name, sc.Workflow, sc.Schedule, sc.Status, sc.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(name string) (*Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY name`)
}

func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
}

func (s *Store) querySchedules(query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduleRun(name, lastStatus, lastError, runID string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, last_run_id = ?, next_run_at = ?
		WHERE name = ?`, lastStatus, lastError, runID, nextRunAt, name)
	return err
}

func (s *Store) DeleteSchedulesNotIn(names []string) error {
	if len(names) == 0 {
		_, err := s.db.Exec(`DELETE FROM schedules`)
		return err
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	_, err := s.db.Exec(`DELETE FROM schedules WHERE name NOT IN (`+placeholders(len(names))+`)`, args...)
	return err
}
