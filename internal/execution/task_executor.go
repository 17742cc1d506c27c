package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/capability"
	"github.com/mtzanidakis/scriptcrew/internal/crew"
)

// Result is the outcome of one task run.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskExecutor drives a single task from pending to completed or failed.
type TaskExecutor struct {
	repo       Repository
	capability capability.Capability
	events     Publisher
	recorder   Recorder
	timeout    time.Duration
}

// NewTaskExecutor wires the executor. A nil capability makes every run fail
// with crew.ErrCapabilityUnavailable; events and rec may be nil.
func NewTaskExecutor(repo Repository, c capability.Capability, events Publisher, rec Recorder, timeout time.Duration) *TaskExecutor {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &TaskExecutor{
		repo:       repo,
		capability: c,
		events:     events,
		recorder:   rec,
		timeout:    timeout,
	}
}

// Execute runs the pending task taskID.
//
// Failures the task itself can explain (unfinished predecessors, missing
// agent, no capability configured) are recorded on the task and reported
// through Result with a nil error. A failure raised by the capability is
// recorded too and also returned as *crew.ExecutionError, so a crew run can
// halt.
func (e *TaskExecutor) Execute(ctx context.Context, taskID int64) (Result, error) {
	task, err := e.repo.GetTask(taskID)
	if err != nil {
		return Result{}, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return Result{}, fmt.Errorf("task %d not found", taskID)
	}
	return e.execute(ctx, task, false)
}

func (e *TaskExecutor) execute(ctx context.Context, task *crew.Task, verbose bool) (Result, error) {
	if task.Status != crew.TaskPending {
		return Result{}, &crew.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("task %d is %s, only pending tasks can be executed", task.ID, task.Status),
		}
	}

	agent, predecessors, reason, err := e.preflight(task)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		slog.Warn("task pre-flight failed", "task", task.ID, "reason", reason)
		return e.fail(task, reason)
	}

	started, err := crew.Transition(task, crew.TaskInProgress, time.Now(), crew.Outcome{})
	if err != nil {
		return Result{}, err
	}
	if err := e.repo.SaveTask(started); err != nil {
		return Result{}, fmt.Errorf("save task: %w", err)
	}

	entries := BuildContext(started, predecessors)
	if verbose || agent.Verbose {
		slog.Debug("task context", "task", started.ID, "agent", agent.ID, "context", entries)
	}

	output, runErr := e.run(ctx, agent, started, entries)
	if runErr == nil {
		done, err := crew.Transition(started, crew.TaskCompleted, time.Now(), crew.Outcome{
			Output: map[string]any{"result": output},
		})
		if err != nil {
			return Result{}, err
		}
		if err := e.repo.SaveTask(done); err != nil {
			return Result{}, fmt.Errorf("save task: %w", err)
		}
		e.finished(done)
		return Result{Success: true, Output: output}, nil
	}

	res, err := e.fail(started, runErr.Error())
	if err != nil {
		return res, err
	}
	if errors.Is(runErr, crew.ErrCapabilityUnavailable) {
		slog.Warn("agent capability unavailable", "task", task.ID, "error", runErr)
		return res, nil
	}
	slog.Error("task execution failed", "task", task.ID, "error", runErr)
	return res, &crew.ExecutionError{TaskID: task.ID, Err: runErr}
}

// preflight loads the agent and predecessors. A non-empty reason means the
// task cannot run and should be failed with that message.
func (e *TaskExecutor) preflight(task *crew.Task) (*crew.Agent, []crew.Task, string, error) {
	agent, err := e.repo.GetAgent(task.AgentID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, nil, fmt.Sprintf("agent %d not found", task.AgentID), nil
	}

	var predecessors []crew.Task
	var pending []int64
	for _, id := range task.DependsOn {
		dep, err := e.repo.GetTask(id)
		if err != nil {
			return nil, nil, "", fmt.Errorf("load dependency: %w", err)
		}
		if dep == nil || dep.Status != crew.TaskCompleted {
			pending = append(pending, id)
			continue
		}
		predecessors = append(predecessors, *dep)
	}
	if len(pending) > 0 {
		notReady := &crew.DependencyNotSatisfiedError{TaskID: task.ID, Name: task.Name, Pending: pending}
		return nil, nil, notReady.Error(), nil
	}

	if strings.TrimSpace(task.Description) == "" {
		return nil, nil, "task description is required", nil
	}
	return agent, predecessors, "", nil
}

// run calls the capability. A stop request for the crew does not interrupt
// a call that has started; only the task timeout does.
func (e *TaskExecutor) run(ctx context.Context, agent *crew.Agent, task *crew.Task, entries []string) (string, error) {
	if e.capability == nil {
		return "", crew.ErrCapabilityUnavailable
	}

	callCtx := context.WithoutCancel(ctx)
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.timeout)
		defer cancel()
	}

	out, err := e.capability.Run(callCtx, capability.DescribeAgent(agent), capability.TaskDescriptor{
		ID:             task.ID,
		Name:           task.Name,
		Description:    task.Description,
		ExpectedOutput: task.ExpectedOutput,
		Context:        entries,
		Prompt:         FormatContext(entries),
		InputData:      task.InputData,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", errors.New("agent produced no result")
	}
	return out, nil
}

func (e *TaskExecutor) fail(task *crew.Task, reason string) (Result, error) {
	failed, err := crew.Transition(task, crew.TaskFailed, time.Now(), crew.Outcome{Error: reason})
	if err != nil {
		return Result{}, err
	}
	if err := e.repo.SaveTask(failed); err != nil {
		return Result{}, fmt.Errorf("save task: %w", err)
	}
	e.finished(failed)
	return Result{Error: reason}, nil
}

func (e *TaskExecutor) finished(t *crew.Task) {
	var d time.Duration
	if t.StartedAt != nil && t.CompletedAt != nil {
		d = t.CompletedAt.Sub(*t.StartedAt)
	}
	e.recorder.TaskFinished(t.Status, d)

	eventType := "task_completed"
	data := map[string]any{"task_id": t.ID, "name": t.Name}
	if t.Status == crew.TaskFailed {
		eventType = "task_failed"
		data["error"] = t.ErrorMessage
	}
	publishEvent(e.events, t.CrewID, eventType, data)
}
