package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
	"golang.org/x/sync/errgroup"
)

// CrewResult is the outcome of one crew or flow run. For flows the task ids
// are collected from every sub-crew and SubCrews holds each sub-crew's own
// result keyed by crew id.
type CrewResult struct {
	CrewID         int64                 `json:"crew_id"`
	ExecutionID    string                `json:"execution_id,omitempty"`
	Success        bool                  `json:"success"`
	Noop           bool                  `json:"noop,omitempty"`
	Stopped        bool                  `json:"stopped,omitempty"`
	CompletedTasks []int64               `json:"completed_tasks"`
	FailedTasks    []int64               `json:"failed_tasks"`
	Outputs        map[int64]string      `json:"outputs,omitempty"`
	SubCrews       map[int64]*CrewResult `json:"sub_crews,omitempty"`
	Skipped        []int64               `json:"skipped,omitempty"`
	Error          string                `json:"error,omitempty"`
}

func newCrewResult(crewID int64) *CrewResult {
	return &CrewResult{
		CrewID:         crewID,
		CompletedTasks: []int64{},
		FailedTasks:    []int64{},
	}
}

// CrewExecutor runs the pending tasks of a crew in dependency order, or the
// sub-crews of a flow one after the other. Cancelling ctx asks the run to
// stop before its next step.
type CrewExecutor struct {
	repo     Repository
	tasks    *TaskExecutor
	events   Publisher
	recorder Recorder
	parallel bool
}

func NewCrewExecutor(repo Repository, tasks *TaskExecutor, events Publisher, rec Recorder, parallel bool) *CrewExecutor {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &CrewExecutor{
		repo:     repo,
		tasks:    tasks,
		events:   events,
		recorder: rec,
		parallel: parallel,
	}
}

func (e *CrewExecutor) Execute(ctx context.Context, crewID int64) (*CrewResult, error) {
	c, err := e.repo.GetCrew(crewID)
	if err != nil {
		return nil, fmt.Errorf("load crew: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("crew %d not found", crewID)
	}
	if c.IsFlow {
		return e.executeFlow(ctx, c)
	}
	return e.executeCrew(ctx, c)
}

func (e *CrewExecutor) executeCrew(ctx context.Context, c *crew.Crew) (*CrewResult, error) {
	res := newCrewResult(c.ID)

	agents, err := e.repo.ListAgents(c.ID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		slog.Warn("crew has no agents, nothing to execute", "crew", c.ID)
		res.Noop = true
		return res, nil
	}

	all, err := e.repo.ListTasks(c.ID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var pending []crew.Task
	for _, t := range all {
		if t.Status == crew.TaskPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		slog.Warn("crew has no pending tasks, nothing to execute", "crew", c.ID)
		res.Noop = true
		return res, nil
	}

	run, err := e.begin(c)
	if err != nil {
		return nil, err
	}
	res.ExecutionID = run.exec.ID
	slog.Info("starting crew", "crew", c.ID, "name", c.Name, "tasks", len(pending), "parallel", e.parallel)

	tiers, err := e.plan(pending)
	if err != nil {
		slog.Error("crew dependency resolution failed", "crew", c.ID, "error", err)
		res.Error = err.Error()
		e.finish(run, c, res, crew.CrewFailed)
		return res, err
	}

	res.Outputs = make(map[int64]string)
	var runErr error
	for _, tier := range tiers {
		if ctx.Err() != nil {
			res.Stopped = true
			break
		}
		if runErr = e.runTier(ctx, c, tier, res); runErr != nil {
			res.Error = runErr.Error()
			break
		}
	}
	if res.Stopped {
		slog.Info("crew stopped", "crew", c.ID, "completed", len(res.CompletedTasks))
	}

	status := crew.CrewCompleted
	switch {
	case res.Stopped:
		status = crew.CrewStopped
	case runErr != nil || len(res.FailedTasks) > 0:
		status = crew.CrewFailed
	}
	e.finish(run, c, res, status)

	var execErr *crew.ExecutionError
	if runErr != nil && !errors.As(runErr, &execErr) {
		return res, runErr
	}
	return res, nil
}

// plan returns the order as tiers. Sequential runs get one task per tier so
// the stop signal is checked between every task.
func (e *CrewExecutor) plan(pending []crew.Task) ([][]crew.Task, error) {
	if e.parallel {
		return ResolveTiers(pending)
	}
	order, err := Resolve(pending)
	if err != nil {
		return nil, err
	}
	tiers := make([][]crew.Task, len(order))
	for i := range order {
		tiers[i] = order[i : i+1]
	}
	return tiers, nil
}

// runTier executes the tasks of one tier and records their outcomes in res.
// It returns the first error that must halt the crew: an ExecutionError from
// the capability or a persistence failure.
func (e *CrewExecutor) runTier(ctx context.Context, c *crew.Crew, tier []crew.Task, res *CrewResult) error {
	var mu sync.Mutex
	record := func(t *crew.Task, r Result) {
		mu.Lock()
		defer mu.Unlock()
		if r.Success {
			res.CompletedTasks = append(res.CompletedTasks, t.ID)
			res.Outputs[t.ID] = r.Output
		} else {
			res.FailedTasks = append(res.FailedTasks, t.ID)
		}
	}

	var g errgroup.Group
	for i := range tier {
		t := &tier[i]
		g.Go(func() error {
			r, err := e.tasks.execute(ctx, t, c.Verbose())
			var execErr *crew.ExecutionError
			if err != nil && !errors.As(err, &execErr) {
				return fmt.Errorf("task %d: %w", t.ID, err)
			}
			record(t, r)
			return err
		})
		if !e.parallel {
			break
		}
	}
	return g.Wait()
}

func (e *CrewExecutor) executeFlow(ctx context.Context, flow *crew.Crew) (*CrewResult, error) {
	res := newCrewResult(flow.ID)
	res.SubCrews = make(map[int64]*CrewResult)

	subs, err := e.repo.ListSubCrews(flow.ID)
	if err != nil {
		return nil, fmt.Errorf("list sub-crews: %w", err)
	}
	order := flowOrder(flow, subs, res)
	if len(subs) == 0 {
		slog.Warn("flow has no sub-crews, nothing to execute", "crew", flow.ID)
		res.Noop = true
		return res, nil
	}

	run, err := e.begin(flow)
	if err != nil {
		return nil, err
	}
	res.ExecutionID = run.exec.ID
	slog.Info("starting flow", "crew", flow.ID, "name", flow.Name, "sub_crews", len(order))

	failed := false
	for _, sub := range order {
		if ctx.Err() != nil {
			res.Stopped = true
			break
		}

		subRes, err := e.Execute(ctx, sub.ID)
		if err != nil {
			slog.Error("sub-crew execution failed", "flow", flow.ID, "crew", sub.ID, "error", err)
			failed = true
			if subRes == nil {
				subRes = newCrewResult(sub.ID)
				subRes.Error = err.Error()
			}
		}
		res.SubCrews[sub.ID] = subRes
		res.CompletedTasks = append(res.CompletedTasks, subRes.CompletedTasks...)
		res.FailedTasks = append(res.FailedTasks, subRes.FailedTasks...)
		if subRes.Stopped {
			res.Stopped = true
			break
		}
		if !subRes.Success && !subRes.Noop {
			failed = true
		}
	}

	status := crew.CrewCompleted
	switch {
	case res.Stopped:
		status = crew.CrewStopped
	case failed:
		status = crew.CrewFailed
	}
	e.finish(run, flow, res, status)
	return res, nil
}

// flowOrder lists the sub-crews to run: the configured execution_order when
// it names at least one id, creation order otherwise. Ids that are not
// sub-crews of the flow are logged and recorded as skipped.
func flowOrder(flow *crew.Crew, subs []crew.Crew, res *CrewResult) []crew.Crew {
	ids := flow.ExecutionOrder()
	if len(ids) == 0 {
		return subs
	}
	byID := make(map[int64]crew.Crew, len(subs))
	for _, s := range subs {
		byID[s.ID] = s
	}
	var order []crew.Crew
	for _, id := range ids {
		sub, ok := byID[id]
		if !ok {
			slog.Error("execution order references unknown sub-crew", "flow", flow.ID, "crew", id)
			res.Skipped = append(res.Skipped, id)
			continue
		}
		order = append(order, sub)
	}
	return order
}

type crewRun struct {
	exec    *crew.Execution
	started time.Time
}

func (e *CrewExecutor) begin(c *crew.Crew) (*crewRun, error) {
	now := time.Now().UTC()
	if err := e.repo.UpdateCrewStatus(c.ID, crew.CrewRunning, nil); err != nil {
		return nil, fmt.Errorf("mark crew running: %w", err)
	}
	c.Status = crew.CrewRunning
	exec, err := e.repo.CreateExecution(c.ID, now)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	publishEvent(e.events, c.ID, "crew_started", map[string]any{
		"name":         c.Name,
		"execution_id": exec.ID,
		"flow":         c.IsFlow,
	})
	return &crewRun{exec: exec, started: now}, nil
}

// finish records the final crew status and closes the execution record.
// Failures here are logged: the run has already happened and its result is
// returned to the caller either way.
func (e *CrewExecutor) finish(run *crewRun, c *crew.Crew, res *CrewResult, status crew.CrewStatus) {
	now := time.Now().UTC()
	res.Success = status == crew.CrewCompleted

	if err := e.repo.UpdateCrewStatus(c.ID, status, &now); err != nil {
		slog.Error("failed to save crew status", "crew", c.ID, "error", err)
	}
	c.Status = status
	c.LastExecuted = &now

	run.exec.Status = executionStatus(status)
	run.exec.EndedAt = &now
	run.exec.Results = e.summarise(c, res)
	if err := e.repo.SaveExecution(run.exec); err != nil {
		slog.Error("failed to save execution", "crew", c.ID, "execution", run.exec.ID, "error", err)
	}

	e.recorder.CrewFinished(status, now.Sub(run.started))
	publishEvent(e.events, c.ID, "crew_finished", map[string]any{
		"execution_id": run.exec.ID,
		"status":       status,
		"completed":    len(res.CompletedTasks),
		"failed":       len(res.FailedTasks),
	})
	slog.Info("crew finished", "crew", c.ID, "status", status,
		"completed", len(res.CompletedTasks), "failed", len(res.FailedTasks))
}

func (e *CrewExecutor) summarise(c *crew.Crew, res *CrewResult) map[string]any {
	results := map[string]any{
		"completed_tasks": res.CompletedTasks,
		"failed_tasks":    res.FailedTasks,
	}
	if res.Error != "" {
		results["error"] = res.Error
	}
	if len(res.Outputs) > 0 {
		outputs := make(map[string]string, len(res.Outputs))
		for id, out := range res.Outputs {
			outputs[strconv.FormatInt(id, 10)] = out
		}
		results["outputs"] = outputs
	}
	if len(res.SubCrews) > 0 {
		subs := make(map[string]any, len(res.SubCrews))
		for id, sub := range res.SubCrews {
			subs[strconv.FormatInt(id, 10)] = map[string]any{
				"success":         sub.Success,
				"noop":            sub.Noop,
				"execution_id":    sub.ExecutionID,
				"completed_tasks": sub.CompletedTasks,
				"failed_tasks":    sub.FailedTasks,
			}
		}
		results["sub_crews"] = subs
	}
	if len(res.Skipped) > 0 {
		results["skipped_crews"] = res.Skipped
	}
	if !c.IsFlow {
		if tasks, err := e.repo.ListTasks(c.ID); err == nil {
			results["metrics"] = Calculate(tasks)
		}
	}
	return results
}

func executionStatus(s crew.CrewStatus) crew.ExecutionStatus {
	switch s {
	case crew.CrewCompleted:
		return crew.ExecutionCompleted
	case crew.CrewStopped:
		return crew.ExecutionStopped
	}
	return crew.ExecutionFailed
}
