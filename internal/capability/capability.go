// Package capability is the boundary to the agent-execution backend. The
// executors see a single Run call; how the backend is reached is up to the
// implementation.
package capability

import (
	"context"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
)

// AgentDescriptor is what the backend needs to know about the agent.
type AgentDescriptor struct {
	ID              int64          `json:"id"`
	CrewID          int64          `json:"crew_id"`
	Name            string         `json:"name"`
	Role            string         `json:"role"`
	Goal            string         `json:"goal"`
	SecondaryGoals  []string       `json:"secondary_goals,omitempty"`
	Backstory       string         `json:"backstory,omitempty"`
	Tools           []any          `json:"tools,omitempty"`
	AllowDelegation bool           `json:"allow_delegation"`
	Verbose         bool           `json:"verbose"`
	LLMConfig       map[string]any `json:"llm_config"`
}

// TaskDescriptor carries the task and the context assembled for it.
type TaskDescriptor struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	ExpectedOutput string         `json:"expected_output"`
	Context        []string       `json:"context"`
	Prompt         string         `json:"prompt"`
	InputData      map[string]any `json:"input_data,omitempty"`
}

// Capability runs one task with one agent and returns the textual result.
type Capability interface {
	Run(ctx context.Context, agent AgentDescriptor, task TaskDescriptor) (string, error)
}

// Func adapts a plain function to Capability.
type Func func(ctx context.Context, agent AgentDescriptor, task TaskDescriptor) (string, error)

func (f Func) Run(ctx context.Context, agent AgentDescriptor, task TaskDescriptor) (string, error) {
	return f(ctx, agent, task)
}

func DescribeAgent(a *crew.Agent) AgentDescriptor {
	return AgentDescriptor{
		ID:              a.ID,
		CrewID:          a.CrewID,
		Name:            a.Name,
		Role:            a.EffectiveRole(),
		Goal:            a.PrimaryGoal(),
		SecondaryGoals:  a.SecondaryGoals(),
		Backstory:       a.Backstory,
		Tools:           a.Tools,
		AllowDelegation: a.AllowDelegation,
		Verbose:         a.Verbose,
		LLMConfig:       a.LLMConfig,
	}
}
