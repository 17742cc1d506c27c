package store

import (
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
)

const taskColumns = `id, crew_id, agent_id, name, description, expected_output, context, status,
	input_data, output_data, error_message, output_file, started_at, completed_at, created_at, updated_at`

// TaskFilter narrows FilterTasks. Zero fields do not filter.
type TaskFilter struct {
	CrewID          int64
	AgentID         int64
	Status          crew.TaskStatus
	HasDependencies *bool
	HasOutput       *bool
}

func scanTask(sc scanner) (*crew.Task, error) {
	t := &crew.Task{}
	var ctx, input, output string
	var started, completed sql.NullTime
	err := sc.Scan(&t.ID, &t.CrewID, &t.AgentID, &t.Name, &t.Description, &t.ExpectedOutput, &ctx,
		&t.Status, &input, &output, &t.ErrorMessage, &t.OutputFile, &started, &completed,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(ctx, &t.Context); err != nil {
		return nil, fmt.Errorf("decode task context: %w", err)
	}
	t.InputData = map[string]any{}
	if err := decodeJSON(input, &t.InputData); err != nil {
		return nil, fmt.Errorf("decode task input: %w", err)
	}
	t.OutputData = map[string]any{}
	if err := decodeJSON(output, &t.OutputData); err != nil {
		return nil, fmt.Errorf("decode task output: %w", err)
	}
	t.StartedAt = nullTime(started)
	t.CompletedAt = nullTime(completed)
	return t, nil
}

// SaveTask validates t and writes it together with its dependency edges in
// one transaction. The assigned agent and every predecessor must belong to
// the task's crew. Edges of a task that has left pending are frozen, and a
// status change must be a state machine edge from the stored status or a
// reset to pending.
// Dependency cycles are not rejected here; the resolver reports them when
// the crew runs.
func (s *Store) SaveTask(t *crew.Task) error {
	if t.Status == "" {
		t.Status = crew.TaskPending
	}
	if err := t.Validate(); err != nil {
		return err
	}

	ctx, err := encodeJSON(t.Context, "[]")
	if err != nil {
		return fmt.Errorf("encode task context: %w", err)
	}
	input, err := encodeJSON(t.InputData, "{}")
	if err != nil {
		return fmt.Errorf("encode task input: %w", err)
	}
	output, err := encodeJSON(t.OutputData, "{}")
	if err != nil {
		return fmt.Errorf("encode task output: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var agentCrew int64
	err = tx.QueryRow(`SELECT crew_id FROM agents WHERE id = ?`, t.AgentID).Scan(&agentCrew)
	if err == sql.ErrNoRows {
		return &crew.ValidationError{Field: "agent", Message: fmt.Sprintf("agent %d does not exist", t.AgentID)}
	}
	if err != nil {
		return fmt.Errorf("check task agent: %w", err)
	}
	if agentCrew != t.CrewID {
		return &crew.ValidationError{Field: "agent", Message: "assigned agent must belong to the same crew"}
	}

	if err := checkDependencies(tx, t); err != nil {
		return err
	}

	now := time.Now().UTC()
	depsChanged := true
	if t.ID == 0 {
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		res, err := tx.Exec(`
			INSERT INTO tasks (crew_id, agent_id, name, description, expected_output, context, status,
				input_data, output_data, error_message, output_file, started_at, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.CrewID, t.AgentID, t.Name, t.Description, t.ExpectedOutput, ctx, t.Status,
			input, output, t.ErrorMessage, t.OutputFile, t.StartedAt, t.CompletedAt, createdAt, now)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task id: %w", err)
		}
		t.ID = id
		t.CreatedAt = createdAt
	} else {
		var prevStatus crew.TaskStatus
		err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&prevStatus)
		if err == sql.ErrNoRows {
			return fmt.Errorf("update task: task %d not found", t.ID)
		}
		if err != nil {
			return fmt.Errorf("load task status: %w", err)
		}
		if !crew.CanStore(prevStatus, t.Status) {
			return &crew.ValidationError{
				Field:   "status",
				Message: fmt.Sprintf("cannot move task %d from %s to %s", t.ID, prevStatus, t.Status),
			}
		}
		prevDeps, err := dependenciesOf(tx, t.ID)
		if err != nil {
			return err
		}
		depsChanged = !slices.Equal(prevDeps, t.DependsOn)
		if depsChanged && prevStatus != crew.TaskPending {
			return fmt.Errorf("update dependencies of task %d: %w", t.ID, crew.ErrTaskStarted)
		}

		_, err = tx.Exec(`
			UPDATE tasks SET crew_id = ?, agent_id = ?, name = ?, description = ?, expected_output = ?,
				context = ?, status = ?, input_data = ?, output_data = ?, error_message = ?,
				output_file = ?, started_at = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			t.CrewID, t.AgentID, t.Name, t.Description, t.ExpectedOutput, ctx, t.Status,
			input, output, t.ErrorMessage, t.OutputFile, t.StartedAt, t.CompletedAt, now, t.ID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
	}

	if depsChanged {
		if _, err := tx.Exec(`DELETE FROM task_dependencies WHERE task_id = ?`, t.ID); err != nil {
			return fmt.Errorf("clear task dependencies: %w", err)
		}
		for i, dep := range t.DependsOn {
			if _, err := tx.Exec(`INSERT INTO task_dependencies (task_id, depends_on_id, position) VALUES (?, ?, ?)`,
				t.ID, dep, i); err != nil {
				return fmt.Errorf("insert task dependency: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task: %w", err)
	}
	t.UpdatedAt = now
	return nil
}

func checkDependencies(q querier, t *crew.Task) error {
	seen := make(map[int64]bool, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if seen[dep] {
			return &crew.ValidationError{Field: "depends_on", Message: fmt.Sprintf("task %d is listed twice", dep)}
		}
		seen[dep] = true

		var depCrew int64
		err := q.QueryRow(`SELECT crew_id FROM tasks WHERE id = ?`, dep).Scan(&depCrew)
		if err == sql.ErrNoRows {
			return &crew.ValidationError{Field: "depends_on", Message: fmt.Sprintf("task %d does not exist", dep)}
		}
		if err != nil {
			return fmt.Errorf("check task dependency: %w", err)
		}
		if depCrew != t.CrewID {
			return &crew.ValidationError{Field: "depends_on", Message: fmt.Sprintf("task %d belongs to another crew", dep)}
		}
	}
	return nil
}

func dependenciesOf(q querier, taskID int64) ([]int64, error) {
	rows, err := q.Query(`SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY position`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task dependencies: %w", err)
	}
	defer rows.Close()

	var deps []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deps = append(deps, id)
	}
	return deps, rows.Err()
}

// attachDependencies fills DependsOn for every task in one query.
func attachDependencies(q querier, tasks []crew.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	index := make(map[int64]int, len(tasks))
	args := make([]any, len(tasks))
	for i := range tasks {
		index[tasks[i].ID] = i
		args[i] = tasks[i].ID
	}

	rows, err := q.Query(`SELECT task_id, depends_on_id FROM task_dependencies
		WHERE task_id IN (`+placeholders(len(tasks))+`) ORDER BY task_id, position`, args...)
	if err != nil {
		return fmt.Errorf("load task dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, dep int64
		if err := rows.Scan(&taskID, &dep); err != nil {
			return err
		}
		i := index[taskID]
		tasks[i].DependsOn = append(tasks[i].DependsOn, dep)
	}
	return rows.Err()
}

func (s *Store) GetTask(id int64) (*crew.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t.DependsOn, err = dependenciesOf(s.db, id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns the tasks of a crew in creation order.
func (s *Store) ListTasks(crewID int64) ([]crew.Task, error) {
	return s.FilterTasks(TaskFilter{CrewID: crewID})
}

func (s *Store) FilterTasks(f TaskFilter) ([]crew.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.CrewID != 0 {
		query += ` AND crew_id = ?`
		args = append(args, f.CrewID)
	}
	if f.AgentID != 0 {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.HasDependencies != nil {
		if *f.HasDependencies {
			query += ` AND EXISTS (SELECT 1 FROM task_dependencies d WHERE d.task_id = tasks.id)`
		} else {
			query += ` AND NOT EXISTS (SELECT 1 FROM task_dependencies d WHERE d.task_id = tasks.id)`
		}
	}
	if f.HasOutput != nil {
		if *f.HasOutput {
			query += ` AND (output_data NOT IN ('', '{}') OR output_file != '')`
		} else {
			query += ` AND output_data IN ('', '{}') AND output_file = ''`
		}
	}
	query += ` ORDER BY created_at, id`
	return s.queryTasks(query, args...)
}

// ListDependents returns the tasks that name taskID as a predecessor.
func (s *Store) ListDependents(taskID int64) ([]crew.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE id IN (SELECT task_id FROM task_dependencies WHERE depends_on_id = ?)
		ORDER BY created_at, id`, taskID)
}

func (s *Store) queryTasks(query string, args ...any) ([]crew.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var tasks []crew.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	if err := attachDependencies(s.db, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) DeleteTask(id int64) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
