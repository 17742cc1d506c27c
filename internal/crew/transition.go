package crew

import (
	"fmt"
	"time"
)

// Outcome carries what a transition into a terminal status records.
type Outcome struct {
	Output     map[string]any
	OutputFile string
	Error      string
}

var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskFailed},
	TaskInProgress: {TaskCompleted, TaskFailed},
}

// CanTransition reports whether from -> to is an edge of the task state
// machine.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanStore reports whether a stored task in status from may be overwritten
// with one in status to: the status is unchanged, the change is an edge of
// the state machine, or a finished task is re-queued by Reset.
func CanStore(from, to TaskStatus) bool {
	return from == to || CanTransition(from, to) || (from.Terminal() && to == TaskPending)
}

// Transition returns a copy of t moved to status to. Timestamps are stamped
// once: StartedAt on entering in_progress, CompletedAt on entering completed
// or failed. The copy is validated before it is returned, so a completed
// task without output or a failed task without a message never leaves here.
// t itself is not modified.
func Transition(t *Task, to TaskStatus, now time.Time, out Outcome) (*Task, error) {
	if !CanTransition(t.Status, to) {
		return nil, invalid("status", "cannot move task %d from %s to %s", t.ID, t.Status, to)
	}

	next := t.Clone()
	next.Status = to
	now = now.UTC()

	switch to {
	case TaskInProgress:
		if next.StartedAt == nil {
			next.StartedAt = &now
		}
		next.CompletedAt = nil
	case TaskCompleted:
		next.OutputData = cloneMap(out.Output)
		if out.OutputFile != "" {
			next.OutputFile = out.OutputFile
		}
		next.ErrorMessage = ""
		if next.CompletedAt == nil {
			next.CompletedAt = &now
		}
	case TaskFailed:
		next.ErrorMessage = out.Error
		if next.CompletedAt == nil {
			next.CompletedAt = &now
		}
	}

	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("transition task %d to %s: %w", t.ID, to, err)
	}
	return next, nil
}

// Reset re-queues a finished task as pending and clears what its last run
// recorded.
func Reset(t *Task) (*Task, error) {
	if !t.Status.Terminal() {
		return nil, invalid("status", "only completed or failed tasks can be reset, task %d is %s", t.ID, t.Status)
	}
	next := t.Clone()
	next.Status = TaskPending
	next.OutputData = map[string]any{}
	next.OutputFile = ""
	next.ErrorMessage = ""
	next.StartedAt = nil
	next.CompletedAt = nil
	return next, nil
}
