package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/capability"
	"github.com/mtzanidakis/scriptcrew/internal/config"
	"github.com/mtzanidakis/scriptcrew/internal/crew"
	"github.com/mtzanidakis/scriptcrew/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCrew(t *testing.T, s *store.Store, c *crew.Crew) *crew.Crew {
	t.Helper()
	if err := s.SaveCrew(c); err != nil {
		t.Fatalf("save crew %s: %v", c.Name, err)
	}
	return c
}

func mustAgent(t *testing.T, s *store.Store, crewID int64) *crew.Agent {
	t.Helper()
	a := &crew.Agent{
		CrewID:    crewID,
		Name:      "Writer",
		Role:      crew.RoleWriter,
		Goals:     []string{"Write clearly"},
		LLMConfig: map[string]any{"model": "test-model"},
	}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}
	return a
}

func mustTask(t *testing.T, s *store.Store, agent *crew.Agent, name string, deps ...int64) *crew.Task {
	t.Helper()
	task := &crew.Task{
		CrewID:      agent.CrewID,
		AgentID:     agent.ID,
		Name:        name,
		Description: "Do " + name,
		DependsOn:   deps,
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task %s: %v", name, err)
	}
	return task
}

func reload(t *testing.T, s *store.Store, id int64) *crew.Task {
	t.Helper()
	task, err := s.GetTask(id)
	if err != nil || task == nil {
		t.Fatalf("get task %d: %v", id, err)
	}
	return task
}

func crewStatus(t *testing.T, s *store.Store, id int64) crew.CrewStatus {
	t.Helper()
	c, err := s.GetCrew(id)
	if err != nil || c == nil {
		t.Fatalf("get crew %d: %v", id, err)
	}
	return c.Status
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	types  []string
}

func (p *recordingPublisher) PublishJSON(topic string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if m, ok := v.(map[string]any); ok {
		p.types = append(p.types, fmt.Sprint(m["type"]))
	}
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.types)
}

type countingRecorder struct {
	mu    sync.Mutex
	tasks map[crew.TaskStatus]int
	crews map[crew.CrewStatus]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{tasks: map[crew.TaskStatus]int{}, crews: map[crew.CrewStatus]int{}}
}

func (r *countingRecorder) TaskFinished(s crew.TaskStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[s]++
}

func (r *countingRecorder) CrewFinished(s crew.CrewStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crews[s]++
}

func newExecutor(s *store.Store, c capability.Capability, parallel bool) (*CrewExecutor, *TaskExecutor) {
	tasks := NewTaskExecutor(s, c, nil, nil, time.Minute)
	return NewCrewExecutor(s, tasks, nil, nil, parallel), tasks
}

// echo answers with the task name and remembers the prompts it was given.
type echo struct {
	mu      sync.Mutex
	prompts map[string]string
	calls   []string
}

func newEcho() *echo {
	return &echo{prompts: map[string]string{}}
}

func (e *echo) Run(_ context.Context, _ capability.AgentDescriptor, task capability.TaskDescriptor) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts[task.Name] = task.Prompt
	e.calls = append(e.calls, task.Name)
	return "result of " + task.Name, nil
}

func TestExecuteCrewPassesOutputDownstream(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Articles"})
	agent := mustAgent(t, s, c.ID)
	a := mustTask(t, s, agent, "research")
	b := mustTask(t, s, agent, "write", a.ID)

	backend := newEcho()
	pub := &recordingPublisher{}
	rec := newCountingRecorder()
	tasks := NewTaskExecutor(s, backend, pub, rec, time.Minute)
	exec := NewCrewExecutor(s, tasks, pub, rec, false)

	res, err := exec.Execute(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Noop {
		t.Fatalf("expected success, got %+v", res)
	}
	if !slices.Equal(res.CompletedTasks, []int64{a.ID, b.ID}) {
		t.Errorf("expected completed [%d %d], got %v", a.ID, b.ID, res.CompletedTasks)
	}
	if res.Outputs[b.ID] != "result of write" {
		t.Errorf("unexpected output %q", res.Outputs[b.ID])
	}
	if !slices.Equal(backend.calls, []string{"research", "write"}) {
		t.Errorf("unexpected call order %v", backend.calls)
	}
	if !strings.Contains(backend.prompts["write"], "Output from research: result of research") {
		t.Errorf("downstream prompt missing upstream output: %q", backend.prompts["write"])
	}
	if !strings.HasSuffix(backend.prompts["write"], "Do write") {
		t.Errorf("prompt should end with the description: %q", backend.prompts["write"])
	}

	got := reload(t, s, b.ID)
	if got.Status != crew.TaskCompleted || got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("expected completed task with timestamps, got %+v", got)
	}
	if v, _ := got.Result(); v != "result of write" {
		t.Errorf("expected stored result, got %v", v)
	}
	if crewStatus(t, s, c.ID) != crew.CrewCompleted {
		t.Errorf("expected crew completed")
	}

	execs, err := s.ListExecutions(c.ID, 10)
	if err != nil || len(execs) != 1 {
		t.Fatalf("expected one execution, got %d (%v)", len(execs), err)
	}
	if execs[0].ID != res.ExecutionID || execs[0].Status != crew.ExecutionCompleted || execs[0].EndedAt == nil {
		t.Errorf("unexpected execution record %+v", execs[0])
	}
	if _, ok := execs[0].Results["metrics"]; !ok {
		t.Error("expected metrics in execution results")
	}

	if rec.tasks[crew.TaskCompleted] != 2 || rec.crews[crew.CrewCompleted] != 1 {
		t.Errorf("unexpected recorder counts %v %v", rec.tasks, rec.crews)
	}
	wantEvents := []string{"crew_started", "task_completed", "task_completed", "crew_finished"}
	if !slices.Equal(pub.eventTypes(), wantEvents) {
		t.Errorf("expected events %v, got %v", wantEvents, pub.eventTypes())
	}
}

func TestExecuteCrewWithoutAgentsIsNoop(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Empty"})
	exec, _ := newExecutor(s, newEcho(), false)

	res, err := exec.Execute(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Noop || res.Success {
		t.Errorf("expected noop, got %+v", res)
	}
	execs, _ := s.ListExecutions(c.ID, 10)
	if len(execs) != 0 {
		t.Errorf("expected no execution record, got %d", len(execs))
	}
	if crewStatus(t, s, c.ID) != crew.CrewIdle {
		t.Error("noop run must not change crew status")
	}
}

func TestExecuteCrewWithoutPendingTasksIsNoop(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Done"})
	mustAgent(t, s, c.ID)
	exec, _ := newExecutor(s, newEcho(), false)

	res, err := exec.Execute(context.Background(), c.ID)
	if err != nil || !res.Noop {
		t.Errorf("expected noop, got %+v %v", res, err)
	}
}

func TestExecuteCrewCycleFails(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Loop"})
	agent := mustAgent(t, s, c.ID)
	a := mustTask(t, s, agent, "a")
	b := mustTask(t, s, agent, "b", a.ID)
	a.DependsOn = []int64{b.ID}
	if err := s.SaveTask(a); err != nil {
		t.Fatalf("save task: %v", err)
	}

	backend := newEcho()
	exec, _ := newExecutor(s, backend, false)
	res, err := exec.Execute(context.Background(), c.ID)

	var cycle *crew.CircularDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	if res == nil || res.Success || res.Error == "" {
		t.Errorf("expected failed result, got %+v", res)
	}
	if len(backend.calls) != 0 {
		t.Errorf("no task should run, got %v", backend.calls)
	}
	if crewStatus(t, s, c.ID) != crew.CrewFailed {
		t.Error("expected crew failed")
	}
	if reload(t, s, a.ID).Status != crew.TaskPending {
		t.Error("tasks in a cycle stay pending")
	}
}

func TestExecuteCrewCapabilityUnavailableContinues(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Partial"})
	agent := mustAgent(t, s, c.ID)
	a := mustTask(t, s, agent, "a")
	b := mustTask(t, s, agent, "b", a.ID)
	d := mustTask(t, s, agent, "c")

	backend := capability.Func(func(_ context.Context, _ capability.AgentDescriptor, task capability.TaskDescriptor) (string, error) {
		if task.Name == "a" {
			return "", fmt.Errorf("no worker: %w", crew.ErrCapabilityUnavailable)
		}
		return "ok", nil
	})
	exec, _ := newExecutor(s, backend, false)

	res, err := exec.Execute(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Error("crew with failed tasks must not succeed")
	}
	if !slices.Equal(res.FailedTasks, []int64{a.ID, b.ID}) {
		t.Errorf("expected failed [%d %d], got %v", a.ID, b.ID, res.FailedTasks)
	}
	if !slices.Equal(res.CompletedTasks, []int64{d.ID}) {
		t.Errorf("expected completed [%d], got %v", d.ID, res.CompletedTasks)
	}
	if msg := reload(t, s, b.ID).ErrorMessage; !strings.Contains(msg, "dependencies") {
		t.Errorf("expected dependency failure message, got %q", msg)
	}
	if crewStatus(t, s, c.ID) != crew.CrewFailed {
		t.Error("expected crew failed")
	}
}

func TestExecuteCrewHaltsOnExecutionError(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Halting"})
	agent := mustAgent(t, s, c.ID)
	a := mustTask(t, s, agent, "a")
	b := mustTask(t, s, agent, "b")

	backend := capability.Func(func(context.Context, capability.AgentDescriptor, capability.TaskDescriptor) (string, error) {
		return "", errors.New("model exploded")
	})
	exec, _ := newExecutor(s, backend, false)

	res, err := exec.Execute(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("execution errors are reported in the result, got %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "model exploded") {
		t.Errorf("expected failure with message, got %+v", res)
	}
	if !slices.Equal(res.FailedTasks, []int64{a.ID}) {
		t.Errorf("expected failed [%d], got %v", a.ID, res.FailedTasks)
	}
	if reload(t, s, b.ID).Status != crew.TaskPending {
		t.Error("remaining tasks stay pending after a halt")
	}
	if reload(t, s, a.ID).ErrorMessage != "model exploded" {
		t.Errorf("unexpected error message %q", reload(t, s, a.ID).ErrorMessage)
	}
}

func TestExecuteCrewEmptyResultFails(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Silent"})
	agent := mustAgent(t, s, c.ID)
	a := mustTask(t, s, agent, "a")

	backend := capability.Func(func(context.Context, capability.AgentDescriptor, capability.TaskDescriptor) (string, error) {
		return "  ", nil
	})
	_, tasks := newExecutor(s, backend, false)

	res, err := tasks.Execute(context.Background(), a.ID)
	var execErr *crew.ExecutionError
	if !errors.As(err, &execErr) || execErr.TaskID != a.ID {
		t.Fatalf("expected ExecutionError for task %d, got %v", a.ID, err)
	}
	if res.Success {
		t.Error("empty result must not succeed")
	}
}

func TestExecuteTaskPreflight(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Checks"})
	agent := mustAgent(t, s, c.ID)
	a := mustTask(t, s, agent, "a")
	b := mustTask(t, s, agent, "b", a.ID)
	blank := &crew.Task{CrewID: c.ID, AgentID: agent.ID, Name: "blank"}
	if err := s.SaveTask(blank); err != nil {
		t.Fatalf("save task: %v", err)
	}

	backend := newEcho()
	_, tasks := newExecutor(s, backend, false)

	res, err := tasks.Execute(context.Background(), b.ID)
	if err != nil || res.Success {
		t.Fatalf("expected failed result without error, got %+v %v", res, err)
	}
	got := reload(t, s, b.ID)
	if got.Status != crew.TaskFailed || got.StartedAt != nil {
		t.Errorf("pre-flight failure goes straight to failed, got %+v", got)
	}

	res, err = tasks.Execute(context.Background(), blank.ID)
	if err != nil || res.Error != "task description is required" {
		t.Errorf("expected description failure, got %+v %v", res, err)
	}

	_, err = tasks.Execute(context.Background(), b.ID)
	var invalid *crew.ValidationError
	if !errors.As(err, &invalid) || invalid.Field != "status" {
		t.Errorf("expected status validation error for a failed task, got %v", err)
	}
	if len(backend.calls) != 0 {
		t.Errorf("capability must not be called, got %v", backend.calls)
	}
}

func TestExecuteTaskWithoutCapability(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Offline"})
	agent := mustAgent(t, s, c.ID)
	a := mustTask(t, s, agent, "a")

	_, tasks := newExecutor(s, nil, false)
	res, err := tasks.Execute(context.Background(), a.ID)
	if err != nil || res.Success {
		t.Fatalf("expected failed result without error, got %+v %v", res, err)
	}
	if got := reload(t, s, a.ID); got.Status != crew.TaskFailed || got.StartedAt == nil {
		t.Errorf("expected failed after start, got %+v", got)
	}
}

func TestExecuteCrewStopsBetweenTasks(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Stoppable"})
	agent := mustAgent(t, s, c.ID)
	a := mustTask(t, s, agent, "a")
	b := mustTask(t, s, agent, "b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := capability.Func(func(callCtx context.Context, _ capability.AgentDescriptor, task capability.TaskDescriptor) (string, error) {
		cancel()
		if callCtx.Err() != nil {
			return "", errors.New("running call was interrupted")
		}
		return "done " + task.Name, nil
	})
	exec, _ := newExecutor(s, backend, false)

	res, err := exec.Execute(ctx, c.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Stopped || res.Success {
		t.Errorf("expected stopped result, got %+v", res)
	}
	if reload(t, s, a.ID).Status != crew.TaskCompleted {
		t.Error("the running task finishes")
	}
	if reload(t, s, b.ID).Status != crew.TaskPending {
		t.Error("the next task is not started")
	}
	if crewStatus(t, s, c.ID) != crew.CrewStopped {
		t.Error("expected crew stopped")
	}
	execs, _ := s.ListExecutions(c.ID, 1)
	if len(execs) != 1 || execs[0].Status != crew.ExecutionStopped {
		t.Errorf("expected stopped execution, got %+v", execs)
	}
}

func TestExecuteCrewParallelTiers(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Wide"})
	agent := mustAgent(t, s, c.ID)
	a := mustTask(t, s, agent, "a")
	b := mustTask(t, s, agent, "b")
	join := mustTask(t, s, agent, "join", a.ID, b.ID)

	// a and b only finish once both have started.
	var started sync.WaitGroup
	started.Add(2)
	backend := capability.Func(func(_ context.Context, _ capability.AgentDescriptor, task capability.TaskDescriptor) (string, error) {
		if task.Name == "join" {
			return task.Prompt, nil
		}
		started.Done()
		done := make(chan struct{})
		go func() {
			started.Wait()
			close(done)
		}()
		select {
		case <-done:
			return "out " + task.Name, nil
		case <-time.After(5 * time.Second):
			return "", errors.New("tier did not run concurrently")
		}
	})
	exec, _ := newExecutor(s, backend, true)

	res, err := exec.Execute(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.CompletedTasks) != 3 || res.CompletedTasks[2] != join.ID {
		t.Errorf("join must complete last, got %v", res.CompletedTasks)
	}
	prompt := res.Outputs[join.ID]
	if strings.Index(prompt, "Output from a") > strings.Index(prompt, "Output from b") {
		t.Errorf("context must follow declared dependency order: %q", prompt)
	}
}

func TestExecuteFlow(t *testing.T) {
	s := newTestStore(t)
	flow := mustCrew(t, s, &crew.Crew{Name: "Pipeline", IsFlow: true})
	first := mustCrew(t, s, &crew.Crew{Name: "first", ParentID: &flow.ID})
	second := mustCrew(t, s, &crew.Crew{Name: "second", ParentID: &flow.ID})
	empty := mustCrew(t, s, &crew.Crew{Name: "empty", ParentID: &flow.ID})

	t1 := mustTask(t, s, mustAgent(t, s, first.ID), "one")
	t2 := mustTask(t, s, mustAgent(t, s, second.ID), "two")

	flow.Config = map[string]any{"execution_order": []any{float64(second.ID), float64(999), float64(first.ID), float64(empty.ID)}}
	if err := s.SaveCrew(flow); err != nil {
		t.Fatalf("save flow: %v", err)
	}

	backend := newEcho()
	exec, _ := newExecutor(s, backend, false)
	res, err := exec.Execute(context.Background(), flow.ID)
	if err != nil {
		t.Fatalf("execute flow: %v", err)
	}
	if !res.Success {
		t.Errorf("noop sub-crews must not fail the flow, got %+v", res)
	}
	if !slices.Equal(backend.calls, []string{"two", "one"}) {
		t.Errorf("expected execution order [two one], got %v", backend.calls)
	}
	if !slices.Equal(res.Skipped, []int64{999}) {
		t.Errorf("expected skipped [999], got %v", res.Skipped)
	}
	if !slices.Equal(res.CompletedTasks, []int64{t2.ID, t1.ID}) {
		t.Errorf("unexpected completed tasks %v", res.CompletedTasks)
	}
	if len(res.SubCrews) != 3 || !res.SubCrews[empty.ID].Noop {
		t.Errorf("expected three sub-crew results with a noop, got %+v", res.SubCrews)
	}
	for _, id := range []int64{flow.ID, first.ID, second.ID} {
		if crewStatus(t, s, id) != crew.CrewCompleted {
			t.Errorf("expected crew %d completed", id)
		}
	}
	execs, _ := s.ListExecutions(flow.ID, 1)
	if len(execs) != 1 || execs[0].Results["skipped_crews"] == nil {
		t.Errorf("expected flow execution with skipped crews, got %+v", execs)
	}
}

func TestExecuteFlowUnknownOnlyOrder(t *testing.T) {
	s := newTestStore(t)
	flow := mustCrew(t, s, &crew.Crew{
		Name:   "Broken",
		IsFlow: true,
		Config: map[string]any{"execution_order": []any{float64(4242)}},
	})
	exec, _ := newExecutor(s, newEcho(), false)

	res, err := exec.Execute(context.Background(), flow.ID)
	if err != nil {
		t.Fatalf("an unresolvable entry is not an error, got %v", err)
	}
	if !slices.Equal(res.Skipped, []int64{4242}) {
		t.Errorf("expected skipped [4242], got %v", res.Skipped)
	}
}

func TestExecuteFlowEmptyOrderUsesCreationOrder(t *testing.T) {
	s := newTestStore(t)
	flow := mustCrew(t, s, &crew.Crew{
		Name:   "Pipeline",
		IsFlow: true,
		Config: map[string]any{"execution_order": []any{}},
	})
	first := mustCrew(t, s, &crew.Crew{Name: "first", ParentID: &flow.ID})
	second := mustCrew(t, s, &crew.Crew{Name: "second", ParentID: &flow.ID})
	a := mustTask(t, s, mustAgent(t, s, first.ID), "outline")
	b := mustTask(t, s, mustAgent(t, s, second.ID), "write")

	backend := newEcho()
	exec, _ := newExecutor(s, backend, false)
	res, err := exec.Execute(context.Background(), flow.ID)
	if err != nil {
		t.Fatalf("execute flow: %v", err)
	}
	if !res.Success || res.Noop {
		t.Fatalf("expected a successful run, got %+v", res)
	}
	if !slices.Equal(res.CompletedTasks, []int64{a.ID, b.ID}) {
		t.Errorf("expected sub-crews in creation order, completed %v", res.CompletedTasks)
	}
	if len(res.Skipped) != 0 {
		t.Errorf("nothing should be skipped, got %v", res.Skipped)
	}
}

func TestExecuteFlowWithoutSubCrewsIsNoop(t *testing.T) {
	s := newTestStore(t)
	flow := mustCrew(t, s, &crew.Crew{Name: "Empty", IsFlow: true})
	exec, _ := newExecutor(s, newEcho(), false)

	res, err := exec.Execute(context.Background(), flow.ID)
	if err != nil {
		t.Fatalf("execute flow: %v", err)
	}
	if !res.Noop || res.Success || res.ExecutionID != "" {
		t.Errorf("expected noop without an execution, got %+v", res)
	}
	execs, _ := s.ListExecutions(flow.ID, 10)
	if len(execs) != 0 {
		t.Errorf("expected no execution records, got %d", len(execs))
	}
	if got := crewStatus(t, s, flow.ID); got != crew.CrewIdle {
		t.Errorf("expected flow to stay idle, got %s", got)
	}
}

func TestExecuteCrewKeepsEditsMadeDuringRun(t *testing.T) {
	s := newTestStore(t)
	c := mustCrew(t, s, &crew.Crew{Name: "Drafts"})
	mustTask(t, s, mustAgent(t, s, c.ID), "draft")

	backend := capability.Func(func(context.Context, capability.AgentDescriptor, capability.TaskDescriptor) (string, error) {
		edited, err := s.GetCrew(c.ID)
		if err != nil || edited == nil {
			return "", fmt.Errorf("load crew: %v", err)
		}
		edited.Name = "Renamed"
		edited.Config = map[string]any{"verbose": true}
		if err := s.SaveCrew(edited); err != nil {
			return "", err
		}
		return "done", nil
	})
	exec, _ := newExecutor(s, backend, false)

	res, err := exec.Execute(context.Background(), c.ID)
	if err != nil || !res.Success {
		t.Fatalf("execute: %+v %v", res, err)
	}
	got, _ := s.GetCrew(c.ID)
	if got.Name != "Renamed" || !got.Verbose() {
		t.Errorf("edit made during the run was overwritten: %+v", got)
	}
	if got.Status != crew.CrewCompleted || got.LastExecuted == nil {
		t.Errorf("expected completed status with last executed, got %s %v", got.Status, got.LastExecuted)
	}
}

func TestExecuteFlowFailedSubCrew(t *testing.T) {
	s := newTestStore(t)
	flow := mustCrew(t, s, &crew.Crew{Name: "Pipeline", IsFlow: true})
	bad := mustCrew(t, s, &crew.Crew{Name: "bad", ParentID: &flow.ID})
	good := mustCrew(t, s, &crew.Crew{Name: "good", ParentID: &flow.ID})
	mustTask(t, s, mustAgent(t, s, bad.ID), "boom")
	mustTask(t, s, mustAgent(t, s, good.ID), "fine")

	backend := capability.Func(func(_ context.Context, _ capability.AgentDescriptor, task capability.TaskDescriptor) (string, error) {
		if task.Name == "boom" {
			return "", errors.New("boom")
		}
		return "fine", nil
	})
	exec, _ := newExecutor(s, backend, false)

	res, err := exec.Execute(context.Background(), flow.ID)
	if err != nil {
		t.Fatalf("execute flow: %v", err)
	}
	if res.Success {
		t.Error("a failed sub-crew fails the flow")
	}
	if !res.SubCrews[good.ID].Success {
		t.Error("later sub-crews still run")
	}
	if crewStatus(t, s, flow.ID) != crew.CrewFailed {
		t.Error("expected flow failed")
	}
}

func TestExecuteUnknownCrew(t *testing.T) {
	s := newTestStore(t)
	exec, _ := newExecutor(s, newEcho(), false)
	if _, err := exec.Execute(context.Background(), 77); err == nil {
		t.Error("expected error for unknown crew")
	}
}
