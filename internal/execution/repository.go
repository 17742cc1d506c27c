// Package execution resolves task dependencies and runs crews and flows
// through the agent-execution capability.
package execution

import (
	"log/slog"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
	"github.com/mtzanidakis/scriptcrew/internal/natsbus"
)

// Repository is the persistence the executors need. Every write is expected
// to validate the record and to be atomic.
type Repository interface {
	GetCrew(id int64) (*crew.Crew, error)
	UpdateCrewStatus(id int64, status crew.CrewStatus, lastExecuted *time.Time) error
	ListSubCrews(parentID int64) ([]crew.Crew, error)
	GetAgent(id int64) (*crew.Agent, error)
	ListAgents(crewID int64) ([]crew.Agent, error)
	GetTask(id int64) (*crew.Task, error)
	ListTasks(crewID int64) ([]crew.Task, error)
	SaveTask(t *crew.Task) error
	CreateExecution(crewID int64, startedAt time.Time) (*crew.Execution, error)
	SaveExecution(e *crew.Execution) error
}

// Publisher sends execution events to listeners. *natsbus.Client satisfies
// it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Recorder observes finished tasks and crew runs.
type Recorder interface {
	TaskFinished(status crew.TaskStatus, d time.Duration)
	CrewFinished(status crew.CrewStatus, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) TaskFinished(crew.TaskStatus, time.Duration) {}
func (nopRecorder) CrewFinished(crew.CrewStatus, time.Duration) {}

func publishEvent(p Publisher, crewID int64, eventType string, data map[string]any) {
	if p == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"crew_id":   crewID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := p.PublishJSON(natsbus.TopicEventsCrew(crewID), event); err != nil {
		slog.Warn("publish event failed", "crew", crewID, "type", eventType, "error", err)
	}
}
