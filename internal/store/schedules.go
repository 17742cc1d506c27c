package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CrewSchedule runs a crew on a cron, interval or one-off schedule. Schedule
// holds the normalized JSON form produced by schedule.NormalizeSchedule.
type CrewSchedule struct {
	ID         string     `json:"id"`
	CrewID     int64      `json:"crew_id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const scheduleColumns = `id, crew_id, name, schedule, status, next_run_at, last_run_at, last_status, last_error, created_at`

func scanSchedule(sc scanner) (*CrewSchedule, error) {
	cs := &CrewSchedule{}
	var next, last sql.NullTime
	var lastStatus, lastError sql.NullString
	err := sc.Scan(&cs.ID, &cs.CrewID, &cs.Name, &cs.Schedule, &cs.Status,
		&next, &last, &lastStatus, &lastError, &cs.CreatedAt)
	if err != nil {
		return nil, err
	}
	cs.NextRunAt = nullTime(next)
	cs.LastRunAt = nullTime(last)
	cs.LastStatus = lastStatus.String
	cs.LastError = lastError.String
	return cs, nil
}

// scheduleTime stores run times at second precision in UTC so that the
// due-time comparison in SQL is a plain text comparison.
func scheduleTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Truncate(time.Second)
}

func (s *Store) SaveSchedule(cs *CrewSchedule) error {
	if cs.Status == "" {
		cs.Status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO crew_schedules (id, crew_id, name, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		cs.ID, cs.CrewID, cs.Name, cs.Schedule, cs.Status, scheduleTime(cs.NextRunAt))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*CrewSchedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM crew_schedules WHERE id = ?`, id)
	cs, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return cs, nil
}

// ListSchedules returns every schedule, or only those of crewID when it is
// non-zero.
func (s *Store) ListSchedules(crewID int64) ([]CrewSchedule, error) {
	if crewID == 0 {
		return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM crew_schedules ORDER BY created_at`)
	}
	return s.querySchedules(`SELECT `+scheduleColumns+` FROM crew_schedules WHERE crew_id = ? ORDER BY created_at`, crewID)
}

func (s *Store) GetDueSchedules(now time.Time) ([]CrewSchedule, error) {
	return s.querySchedules(`SELECT `+scheduleColumns+` FROM crew_schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, scheduleTime(&now))
}

func (s *Store) querySchedules(query string, args ...any) ([]CrewSchedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []CrewSchedule
	for rows.Next() {
		cs, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *cs)
	}
	return schedules, rows.Err()
}

func (s *Store) UpdateScheduleRun(id, lastStatus, lastError string, nextRunAt *time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE crew_schedules
		SET last_run_at = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, scheduleTime(&now), lastStatus, lastError, scheduleTime(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE crew_schedules SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM crew_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
