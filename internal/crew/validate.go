package crew

import (
	"fmt"
	"sort"
	"strings"
)

func (c *Crew) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name", "name is required")
	}
	if !c.Status.Valid() {
		return invalid("status", "unknown crew status %q", c.Status)
	}
	if c.ParentID != nil && c.ID != 0 && *c.ParentID == c.ID {
		return invalid("parent_crew", "a crew cannot be its own parent")
	}
	if raw, ok := c.Config["execution_order"]; ok {
		if _, isList := raw.([]any); !isList {
			return invalid("config", "execution_order must be a list of crew ids")
		}
	}
	if raw, ok := c.Config["verbose"]; ok {
		if _, isBool := raw.(bool); !isBool {
			return invalid("config", "verbose must be a boolean")
		}
	}
	return nil
}

func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return invalid("name", "name is required")
	}
	if a.CrewID == 0 {
		return invalid("crew", "agent must belong to a crew")
	}
	if !a.Role.Valid() {
		return invalid("role", "unknown role %q", a.Role)
	}
	if a.Role == RoleCustom && strings.TrimSpace(a.CustomRole) == "" {
		return invalid("custom_role", "custom role name is required when role is set to custom")
	}
	if a.Role != RoleCustom && a.CustomRole != "" {
		return invalid("custom_role", "custom role name is only allowed when role is set to custom")
	}
	if a.LLMConfig == nil {
		return invalid("llm_config", "llm configuration is required")
	}
	if errs := ValidateLLMConfig(a.LLMConfig, "model"); !errs.Valid() {
		return errs.First()
	}
	return nil
}

func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return invalid("name", "name is required")
	}
	if t.CrewID == 0 {
		return invalid("crew", "task must belong to a crew")
	}
	if t.AgentID == 0 {
		return invalid("agent", "task must be assigned to an agent")
	}
	if !t.Status.Valid() {
		return invalid("status", "unknown task status %q", t.Status)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID && t.ID != 0 {
			return invalid("depends_on", "a task cannot depend on itself")
		}
	}
	if t.StartedAt != nil && t.CompletedAt != nil && t.StartedAt.After(*t.CompletedAt) {
		return invalid("completed_at", "completion time cannot be earlier than start time")
	}
	if t.Status == TaskInProgress && t.CompletedAt != nil {
		return invalid("completed_at", "a task in progress cannot have a completion time")
	}
	if t.Status == TaskCompleted && !t.HasOutput() {
		return invalid("status", "completed tasks must have output data or an output file")
	}
	if t.Status == TaskFailed && strings.TrimSpace(t.ErrorMessage) == "" {
		return invalid("error_message", "failed tasks must have an error message")
	}
	return nil
}

func (e *Execution) Validate() error {
	if e.ID == "" {
		return invalid("id", "execution id is required")
	}
	if e.CrewID == 0 {
		return invalid("crew", "execution must belong to a crew")
	}
	if !e.Status.Valid() {
		return invalid("status", "unknown execution status %q", e.Status)
	}
	if e.EndedAt != nil && e.EndedAt.Before(e.StartedAt) {
		return invalid("ended_at", "end time cannot be earlier than start time")
	}
	return nil
}

// ConfigErrors maps a configuration key to what is wrong with it.
type ConfigErrors map[string]string

func (e ConfigErrors) Valid() bool {
	return len(e) == 0
}

// First returns the error for the alphabetically first key, or nil.
func (e ConfigErrors) First() error {
	if len(e) == 0 {
		return nil
	}
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return invalid("llm_config", "%s: %s", keys[0], e[keys[0]])
}

// ValidateLLMConfig checks the well-known LLM settings and the presence of
// the required keys. Unknown keys are passed through to the backend as is.
func ValidateLLMConfig(cfg map[string]any, required ...string) ConfigErrors {
	errs := ConfigErrors{}
	for _, key := range required {
		v, ok := cfg[key]
		if !ok || v == nil {
			errs[key] = "required"
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			errs[key] = "required"
		}
	}

	if v, ok := cfg["model"]; ok && errs["model"] == "" {
		if s, isString := v.(string); !isString || s == "" {
			errs["model"] = "must be a non-empty string"
		}
	}
	if v, ok := cfg["temperature"]; ok {
		f, isNum := number(v)
		switch {
		case !isNum:
			errs["temperature"] = "must be a number"
		case f < 0 || f > 2:
			errs["temperature"] = fmt.Sprintf("must be between 0 and 2, got %g", f)
		}
	}
	if v, ok := cfg["max_tokens"]; ok {
		f, isNum := number(v)
		if !isNum || f <= 0 || f != float64(int64(f)) {
			errs["max_tokens"] = "must be a positive integer"
		}
	}
	return errs
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
