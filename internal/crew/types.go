// Package crew holds the crew, agent, task and execution records and the
// rules that keep them consistent: field validation, the task status state
// machine and the error kinds shared by the executors.
package crew

import (
	"strings"
	"time"
)

type CrewStatus string

const (
	CrewIdle      CrewStatus = "idle"
	CrewRunning   CrewStatus = "running"
	CrewCompleted CrewStatus = "completed"
	CrewFailed    CrewStatus = "failed"
	CrewStopped   CrewStatus = "stopped"
)

func (s CrewStatus) Valid() bool {
	switch s {
	case CrewIdle, CrewRunning, CrewCompleted, CrewFailed, CrewStopped:
		return true
	}
	return false
}

func (s CrewStatus) Display() string {
	return displayName(string(s))
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is defined from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

func (s TaskStatus) Display() string {
	return displayName(string(s))
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionStopped:
		return true
	}
	return false
}

func (s ExecutionStatus) Display() string {
	return displayName(string(s))
}

type Role string

const (
	RoleResearcher Role = "researcher"
	RoleWriter     Role = "writer"
	RoleEditor     Role = "editor"
	RoleReviewer   Role = "reviewer"
	RoleCustom     Role = "custom"
)

func (r Role) Valid() bool {
	switch r {
	case RoleResearcher, RoleWriter, RoleEditor, RoleReviewer, RoleCustom:
		return true
	}
	return false
}

// Crew is a named group of agents and tasks. A flow is a crew whose work is
// its sub-crews. ParentID is a plain index into the crew table; the parent
// chain is only ever walked through the store.
type Crew struct {
	ID           int64          `json:"id"`
	OwnerID      string         `json:"owner_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	IsFlow       bool           `json:"is_flow"`
	ParentID     *int64         `json:"parent_id,omitempty"`
	Config       map[string]any `json:"config"`
	Status       CrewStatus     `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastExecuted *time.Time     `json:"last_executed,omitempty"`
}

func (c *Crew) IsSubcrew() bool {
	return c.ParentID != nil
}

// Verbose reports the crew's "verbose" config flag.
func (c *Crew) Verbose() bool {
	v, _ := c.Config["verbose"].(bool)
	return v
}

// ExecutionOrder returns the sub-crew ids listed under "execution_order".
// Entries that are not integral numbers are kept as -1 so callers can report
// them as unresolvable instead of silently dropping them.
func (c *Crew) ExecutionOrder() []int64 {
	raw, ok := c.Config["execution_order"].([]any)
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			if n == float64(int64(n)) {
				ids = append(ids, int64(n))
				continue
			}
		case int:
			ids = append(ids, int64(n))
			continue
		case int64:
			ids = append(ids, n)
			continue
		}
		ids = append(ids, -1)
	}
	return ids
}

type Agent struct {
	ID              int64          `json:"id"`
	CrewID          int64          `json:"crew_id"`
	Name            string         `json:"name"`
	Role            Role           `json:"role"`
	CustomRole      string         `json:"custom_role,omitempty"`
	Description     string         `json:"description,omitempty"`
	Goals           []string       `json:"goals"`
	Backstory       string         `json:"backstory,omitempty"`
	Tools           []any          `json:"tools"`
	AllowDelegation bool           `json:"allow_delegation"`
	Verbose         bool           `json:"verbose"`
	LLMConfig       map[string]any `json:"llm_config"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// EffectiveRole is the custom role name for custom agents and the display
// name of the standard role otherwise.
func (a *Agent) EffectiveRole() string {
	if a.Role == RoleCustom {
		return a.CustomRole
	}
	return displayName(string(a.Role))
}

func (a *Agent) PrimaryGoal() string {
	if len(a.Goals) == 0 {
		return "Complete assigned tasks"
	}
	return a.Goals[0]
}

func (a *Agent) SecondaryGoals() []string {
	if len(a.Goals) < 2 {
		return nil
	}
	return a.Goals[1:]
}

type Task struct {
	ID             int64          `json:"id"`
	CrewID         int64          `json:"crew_id"`
	AgentID        int64          `json:"agent_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	ExpectedOutput string         `json:"expected_output"`
	Context        []string       `json:"context"`
	DependsOn      []int64        `json:"depends_on"`
	Status         TaskStatus     `json:"status"`
	InputData      map[string]any `json:"input_data"`
	OutputData     map[string]any `json:"output_data"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	OutputFile     string         `json:"output_file,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (t *Task) HasOutput() bool {
	return len(t.OutputData) > 0 || t.OutputFile != ""
}

// Result returns the recorded "result" entry of the output data, if any.
func (t *Task) Result() (any, bool) {
	v, ok := t.OutputData["result"]
	return v, ok
}

// Clone returns a deep enough copy for a transition to mutate freely.
func (t *Task) Clone() *Task {
	c := *t
	c.Context = append([]string(nil), t.Context...)
	c.DependsOn = append([]int64(nil), t.DependsOn...)
	c.InputData = cloneMap(t.InputData)
	c.OutputData = cloneMap(t.OutputData)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Before orders tasks by creation: timestamp first, id as the tie-break.
func (t *Task) Before(o *Task) bool {
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.ID < o.ID
}

// Execution is the record of one crew run.
type Execution struct {
	ID        string          `json:"id"`
	CrewID    int64           `json:"crew_id"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Results   map[string]any  `json:"results"`
}

// Duration is zero until the execution has ended.
func (e *Execution) Duration() (time.Duration, bool) {
	if e.EndedAt == nil || e.StartedAt.IsZero() {
		return 0, false
	}
	return e.EndedAt.Sub(e.StartedAt), true
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func displayName(s string) string {
	words := strings.Split(s, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
