package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
)

const agentColumns = `id, crew_id, name, role, custom_role, description, goals, backstory, tools,
	allow_delegation, verbose, llm_config, created_at, updated_at`

// AgentFilter narrows ListAgents. Zero fields do not filter.
type AgentFilter struct {
	CrewID   int64
	Role     crew.Role
	HasTools *bool
}

func scanAgent(sc scanner) (*crew.Agent, error) {
	a := &crew.Agent{}
	var goals, tools, llm string
	err := sc.Scan(&a.ID, &a.CrewID, &a.Name, &a.Role, &a.CustomRole, &a.Description, &goals,
		&a.Backstory, &tools, &a.AllowDelegation, &a.Verbose, &llm, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(goals, &a.Goals); err != nil {
		return nil, fmt.Errorf("decode agent goals: %w", err)
	}
	if err := decodeJSON(tools, &a.Tools); err != nil {
		return nil, fmt.Errorf("decode agent tools: %w", err)
	}
	a.LLMConfig = map[string]any{}
	if err := decodeJSON(llm, &a.LLMConfig); err != nil {
		return nil, fmt.Errorf("decode agent llm config: %w", err)
	}
	return a, nil
}

func (s *Store) SaveAgent(a *crew.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}

	goals, err := encodeJSON(a.Goals, "[]")
	if err != nil {
		return fmt.Errorf("encode agent goals: %w", err)
	}
	tools, err := encodeJSON(a.Tools, "[]")
	if err != nil {
		return fmt.Errorf("encode agent tools: %w", err)
	}
	llm, err := encodeJSON(a.LLMConfig, "{}")
	if err != nil {
		return fmt.Errorf("encode agent llm config: %w", err)
	}

	now := time.Now().UTC()
	if a.ID == 0 {
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		res, err := s.db.Exec(`
			INSERT INTO agents (crew_id, name, role, custom_role, description, goals, backstory, tools,
				allow_delegation, verbose, llm_config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.CrewID, a.Name, a.Role, a.CustomRole, a.Description, goals, a.Backstory, tools,
			a.AllowDelegation, a.Verbose, llm, createdAt, now)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("agent id: %w", err)
		}
		a.ID = id
		a.CreatedAt = createdAt
	} else {
		res, err := s.db.Exec(`
			UPDATE agents SET crew_id = ?, name = ?, role = ?, custom_role = ?, description = ?,
				goals = ?, backstory = ?, tools = ?, allow_delegation = ?, verbose = ?,
				llm_config = ?, updated_at = ?
			WHERE id = ?`,
			a.CrewID, a.Name, a.Role, a.CustomRole, a.Description, goals, a.Backstory, tools,
			a.AllowDelegation, a.Verbose, llm, now, a.ID)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update agent: agent %d not found", a.ID)
		}
	}
	a.UpdatedAt = now
	return nil
}

func (s *Store) GetAgent(id int64) (*crew.Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the agents of a crew in creation order.
func (s *Store) ListAgents(crewID int64) ([]crew.Agent, error) {
	return s.FilterAgents(AgentFilter{CrewID: crewID})
}

func (s *Store) FilterAgents(f AgentFilter) ([]crew.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if f.CrewID != 0 {
		query += ` AND crew_id = ?`
		args = append(args, f.CrewID)
	}
	if f.Role != "" {
		query += ` AND role = ?`
		args = append(args, f.Role)
	}
	if f.HasTools != nil {
		if *f.HasTools {
			query += ` AND tools NOT IN ('', '[]')`
		} else {
			query += ` AND tools IN ('', '[]')`
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []crew.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(id int64) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}
