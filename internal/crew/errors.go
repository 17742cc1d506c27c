package crew

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCapabilityUnavailable is returned when no agent-execution backend is
// configured or none answered. It is a configuration problem, not a crash.
var ErrCapabilityUnavailable = errors.New("agent execution capability unavailable")

// ErrTaskStarted rejects dependency edits on a task that has left pending.
var ErrTaskStarted = errors.New("task has already started")

// ValidationError reports an invariant violation on a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CircularDependencyError lists the tasks that could not be ordered. At
// least one of them lies on a cycle.
type CircularDependencyError struct {
	TaskIDs []int64
}

func (e *CircularDependencyError) Error() string {
	ids := make([]string, len(e.TaskIDs))
	for i, id := range e.TaskIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("circular dependency among tasks [%s]", strings.Join(ids, ", "))
}

// DependencyNotSatisfiedError is recorded on a task whose predecessors are
// not all completed when it is asked to run.
type DependencyNotSatisfiedError struct {
	TaskID  int64
	Name    string
	Pending []int64
}

func (e *DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("cannot execute task %s because dependencies are not complete: %v", e.Name, e.Pending)
}

// ExecutionError wraps a failure raised by the agent-execution capability.
type ExecutionError struct {
	TaskID int64
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("error executing task %d: %v", e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
