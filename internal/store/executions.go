package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/scriptcrew/internal/crew"
)

const executionColumns = `id, crew_id, status, started_at, ended_at, results`

func scanExecution(sc scanner) (*crew.Execution, error) {
	e := &crew.Execution{}
	var ended sql.NullTime
	var results string
	if err := sc.Scan(&e.ID, &e.CrewID, &e.Status, &e.StartedAt, &ended, &results); err != nil {
		return nil, err
	}
	e.EndedAt = nullTime(ended)
	e.Results = map[string]any{}
	if err := decodeJSON(results, &e.Results); err != nil {
		return nil, fmt.Errorf("decode execution results: %w", err)
	}
	return e, nil
}

// CreateExecution records a new running execution of crewID.
func (s *Store) CreateExecution(crewID int64, startedAt time.Time) (*crew.Execution, error) {
	e := &crew.Execution{
		ID:        uuid.New().String(),
		CrewID:    crewID,
		Status:    crew.ExecutionRunning,
		StartedAt: startedAt.UTC(),
		Results:   map[string]any{},
	}
	if err := s.SaveExecution(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) SaveExecution(e *crew.Execution) error {
	if err := e.Validate(); err != nil {
		return err
	}
	results, err := encodeJSON(e.Results, "{}")
	if err != nil {
		return fmt.Errorf("encode execution results: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO executions (id, crew_id, status, started_at, ended_at, results)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, ended_at=excluded.ended_at, results=excluded.results`,
		e.ID, e.CrewID, e.Status, e.StartedAt, e.EndedAt, results)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(id string) (*crew.Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns the execution history of a crew, newest first.
// A limit of zero or less returns everything.
func (s *Store) ListExecutions(crewID int64, limit int) ([]crew.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE crew_id = ? ORDER BY started_at DESC`
	args := []any{crewID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []crew.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, *e)
	}
	return execs, rows.Err()
}

// RecoverInterrupted cleans up after a process that died mid-run: tasks left
// in progress are failed, running executions and crews are marked stopped.
// It returns the number of tasks it failed.
func (s *Store) RecoverInterrupted(now time.Time) (int64, error) {
	now = now.UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE status = ?`,
		crew.TaskFailed, "interrupted", now, now, crew.TaskInProgress)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.Exec(`UPDATE executions SET status = ?, ended_at = ? WHERE status = ?`,
		crew.ExecutionStopped, now, crew.ExecutionRunning); err != nil {
		return 0, fmt.Errorf("stop interrupted executions: %w", err)
	}
	if _, err := tx.Exec(`UPDATE crews SET status = ?, updated_at = ? WHERE status = ?`,
		crew.CrewStopped, now, crew.CrewRunning); err != nil {
		return 0, fmt.Errorf("stop interrupted crews: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recovery: %w", err)
	}
	return n, nil
}
