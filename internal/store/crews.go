package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
)

const crewColumns = `id, owner_id, name, description, is_flow, parent_id, config, status, created_at, updated_at, last_executed`

// CrewFilter narrows ListCrews. Nil fields do not filter.
type CrewFilter struct {
	OwnerID   string
	IsFlow    *bool
	IsSubcrew *bool
	ParentID  *int64
}

func scanCrew(sc scanner) (*crew.Crew, error) {
	c := &crew.Crew{}
	var parent sql.NullInt64
	var cfg string
	var lastExecuted sql.NullTime
	err := sc.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description, &c.IsFlow, &parent, &cfg,
		&c.Status, &c.CreatedAt, &c.UpdatedAt, &lastExecuted)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		p := parent.Int64
		c.ParentID = &p
	}
	c.Config = map[string]any{}
	if err := decodeJSON(cfg, &c.Config); err != nil {
		return nil, fmt.Errorf("decode crew config: %w", err)
	}
	c.LastExecuted = nullTime(lastExecuted)
	return c, nil
}

// SaveCrew validates and inserts or updates c. A new crew gets its ID and
// timestamps assigned. The parent chain is re-checked on every save because
// the parent can be reassigned at any time.
func (s *Store) SaveCrew(c *crew.Crew) error {
	if c.Status == "" {
		c.Status = crew.CrewIdle
	}
	if c.Config == nil {
		c.Config = map[string]any{}
	}
	if err := c.Validate(); err != nil {
		return err
	}

	cfg, err := encodeJSON(c.Config, "{}")
	if err != nil {
		return fmt.Errorf("encode crew config: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkParentChain(tx, c); err != nil {
		return err
	}

	now := time.Now().UTC()
	var parent any
	if c.ParentID != nil {
		parent = *c.ParentID
	}

	if c.ID == 0 {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		res, err := tx.Exec(`
			INSERT INTO crews (owner_id, name, description, is_flow, parent_id, config, status, created_at, updated_at, last_executed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.OwnerID, c.Name, c.Description, c.IsFlow, parent, cfg, c.Status, createdAt, now, c.LastExecuted)
		if err != nil {
			return fmt.Errorf("insert crew: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("crew id: %w", err)
		}
		c.ID = id
		c.CreatedAt = createdAt
	} else {
		res, err := tx.Exec(`
			UPDATE crews SET owner_id = ?, name = ?, description = ?, is_flow = ?, parent_id = ?,
				config = ?, status = ?, updated_at = ?, last_executed = ?
			WHERE id = ?`,
			c.OwnerID, c.Name, c.Description, c.IsFlow, parent, cfg, c.Status, now, c.LastExecuted, c.ID)
		if err != nil {
			return fmt.Errorf("update crew: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update crew: crew %d not found", c.ID)
		}
	}
	c.UpdatedAt = now

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit crew: %w", err)
	}
	return nil
}

// UpdateCrewStatus records a run status without rewriting the rest of the
// crew, so edits made while the crew runs are kept. lastExecuted is left
// unchanged when nil.
func (s *Store) UpdateCrewStatus(id int64, status crew.CrewStatus, lastExecuted *time.Time) error {
	if !status.Valid() {
		return &crew.ValidationError{Field: "status", Message: fmt.Sprintf("unknown crew status %q", status)}
	}
	res, err := s.db.Exec(`
		UPDATE crews SET status = ?, last_executed = COALESCE(?, last_executed), updated_at = ?
		WHERE id = ?`, status, lastExecuted, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update crew status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update crew status: crew %d not found", id)
	}
	return nil
}

// checkParentChain walks parent ids upward from c's parent and fails if it
// reaches c or loops.
func checkParentChain(q querier, c *crew.Crew) error {
	if c.ParentID == nil {
		return nil
	}
	seen := make(map[int64]bool)
	next := *c.ParentID
	for {
		if c.ID != 0 && next == c.ID {
			return &crew.ValidationError{Field: "parent_crew", Message: "circular crew hierarchy detected"}
		}
		if seen[next] {
			return &crew.ValidationError{Field: "parent_crew", Message: fmt.Sprintf("crew %d is already part of a circular hierarchy", next)}
		}
		seen[next] = true

		var parent sql.NullInt64
		err := q.QueryRow(`SELECT parent_id FROM crews WHERE id = ?`, next).Scan(&parent)
		if err == sql.ErrNoRows {
			return &crew.ValidationError{Field: "parent_crew", Message: fmt.Sprintf("crew %d does not exist", next)}
		}
		if err != nil {
			return fmt.Errorf("walk parent chain: %w", err)
		}
		if !parent.Valid {
			return nil
		}
		next = parent.Int64
	}
}

func (s *Store) GetCrew(id int64) (*crew.Crew, error) {
	row := s.db.QueryRow(`SELECT `+crewColumns+` FROM crews WHERE id = ?`, id)
	c, err := scanCrew(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get crew: %w", err)
	}
	return c, nil
}

// ListCrews returns crews newest first, like the management screens show
// them.
func (s *Store) ListCrews(f CrewFilter) ([]crew.Crew, error) {
	query := `SELECT ` + crewColumns + ` FROM crews WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.IsFlow != nil {
		query += ` AND is_flow = ?`
		args = append(args, *f.IsFlow)
	}
	if f.IsSubcrew != nil {
		if *f.IsSubcrew {
			query += ` AND parent_id IS NOT NULL`
		} else {
			query += ` AND parent_id IS NULL`
		}
	}
	if f.ParentID != nil {
		query += ` AND parent_id = ?`
		args = append(args, *f.ParentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.queryCrews(query, args...)
}

// ListSubCrews returns the direct children of parentID in creation order.
func (s *Store) ListSubCrews(parentID int64) ([]crew.Crew, error) {
	return s.queryCrews(`SELECT `+crewColumns+` FROM crews WHERE parent_id = ? ORDER BY created_at, id`, parentID)
}

func (s *Store) queryCrews(query string, args ...any) ([]crew.Crew, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list crews: %w", err)
	}
	defer rows.Close()

	var crews []crew.Crew
	for rows.Next() {
		c, err := scanCrew(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crew: %w", err)
		}
		crews = append(crews, *c)
	}
	return crews, rows.Err()
}

// DeleteCrew removes the crew together with its agents, tasks, sub-crews,
// executions and schedules.
func (s *Store) DeleteCrew(id int64) error {
	_, err := s.db.Exec(`DELETE FROM crews WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete crew: %w", err)
	}
	return nil
}
