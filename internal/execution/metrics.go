package execution

import "github.com/mtzanidakis/scriptcrew/internal/crew"

// Metrics summarises the task statuses of a crew.
type Metrics struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Pending     int     `json:"pending"`
	InProgress  int     `json:"in_progress"`
	SuccessRate float64 `json:"success_rate"`
}

// Calculate counts tasks per status. SuccessRate is Completed/Total, and 0
// for an empty crew.
func Calculate(tasks []crew.Task) Metrics {
	m := Metrics{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case crew.TaskCompleted:
			m.Completed++
		case crew.TaskFailed:
			m.Failed++
		case crew.TaskPending:
			m.Pending++
		case crew.TaskInProgress:
			m.InProgress++
		}
	}
	if m.Total > 0 {
		m.SuccessRate = float64(m.Completed) / float64(m.Total)
	}
	return m
}
