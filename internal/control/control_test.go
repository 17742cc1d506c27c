package control

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/capability"
	"github.com/mtzanidakis/scriptcrew/internal/config"
	"github.com/mtzanidakis/scriptcrew/internal/crew"
	"github.com/mtzanidakis/scriptcrew/internal/execution"
	"github.com/mtzanidakis/scriptcrew/internal/natsbus"
	"github.com/mtzanidakis/scriptcrew/internal/store"
)

const testSubject = "scriptcrew.control.test"

type fixture struct {
	store  *store.Store
	client *natsbus.Client
	runner *execution.Runner
	crewID int64
	agent  *crew.Agent
}

func newFixture(t *testing.T, backend capability.Capability) *fixture {
	t.Helper()

	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)

	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	tasks := execution.NewTaskExecutor(s, backend, nil, nil, time.Minute)
	exec := execution.NewCrewExecutor(s, tasks, nil, nil, false)
	runner := execution.NewRunner(s, exec, tasks, 2)
	t.Cleanup(runner.Wait)

	srv := NewServer(client, testSubject, s, runner, time.Minute)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Close)

	c := &crew.Crew{Name: "Newsroom"}
	if err := s.SaveCrew(c); err != nil {
		t.Fatalf("save crew: %v", err)
	}
	a := &crew.Agent{CrewID: c.ID, Name: "Ana", Role: crew.RoleResearcher, LLMConfig: map[string]any{"model": "m"}}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}
	return &fixture{store: s, client: client, runner: runner, crewID: c.ID, agent: a}
}

func (f *fixture) task(t *testing.T, name string, deps ...int64) *crew.Task {
	t.Helper()
	task := &crew.Task{CrewID: f.crewID, AgentID: f.agent.ID, Name: name, Description: "Do " + name, DependsOn: deps}
	if err := f.store.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}
	return task
}

// call sends a command and decodes the response data into out when given.
func (f *fixture) call(t *testing.T, cmdType string, payload any, out any) Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(Command{Type: cmdType, Payload: raw})
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	msg, err := f.client.Request(testSubject, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", cmdType, err)
	}

	var resp struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out != nil && resp.OK {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
	}
	return resp.Response
}

func echo() capability.Capability {
	return capability.Func(func(_ context.Context, _ capability.AgentDescriptor, task capability.TaskDescriptor) (string, error) {
		return "output of " + task.Name, nil
	})
}

func TestUnknownAndInvalidCommands(t *testing.T) {
	f := newFixture(t, echo())

	if resp := f.call(t, "explode", map[string]any{}, nil); resp.OK || resp.Error != "unknown command: explode" {
		t.Errorf("unexpected response %+v", resp)
	}

	msg, err := f.client.Request(testSubject, []byte("not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !strings.Contains(string(msg.Data), "invalid command") {
		t.Errorf("unexpected response %s", msg.Data)
	}

	if resp := f.call(t, "status", map[string]any{"crew_id": 999}, nil); resp.OK || resp.Error != "crew 999 not found" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestOrderAndMetrics(t *testing.T) {
	f := newFixture(t, echo())
	a := f.task(t, "gather")
	b := f.task(t, "draft", a.ID)
	c := f.task(t, "index")

	var order struct {
		Order []orderedTask `json:"order"`
		Tiers [][]int64     `json:"tiers"`
	}
	if resp := f.call(t, "order", crewRef{CrewID: f.crewID}, &order); !resp.OK {
		t.Fatalf("order: %s", resp.Error)
	}
	if len(order.Order) != 3 || order.Order[0].ID != a.ID || order.Order[1].ID != b.ID || order.Order[2].ID != c.ID {
		t.Errorf("unexpected order %+v", order.Order)
	}
	if len(order.Tiers) != 2 || len(order.Tiers[0]) != 2 {
		t.Errorf("unexpected tiers %v", order.Tiers)
	}

	var m execution.Metrics
	if resp := f.call(t, "metrics", crewRef{CrewID: f.crewID}, &m); !resp.OK {
		t.Fatalf("metrics: %s", resp.Error)
	}
	if m.Total != 3 || m.Pending != 3 || m.SuccessRate != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestOrderReportsCycle(t *testing.T) {
	f := newFixture(t, echo())
	a := f.task(t, "a")
	b := f.task(t, "b", a.ID)
	a.DependsOn = []int64{b.ID}
	if err := f.store.SaveTask(a); err != nil {
		t.Fatalf("save task: %v", err)
	}

	resp := f.call(t, "order", crewRef{CrewID: f.crewID}, nil)
	if resp.OK || !strings.Contains(resp.Error, "circular") {
		t.Errorf("expected circular dependency error, got %+v", resp)
	}
}

func TestStartStatusAndExecutions(t *testing.T) {
	f := newFixture(t, echo())
	f.task(t, "write")

	done := make(chan struct{})
	f.runner.OnFinish(func(int64, *execution.CrewResult, error) { close(done) })

	if resp := f.call(t, "start", crewRef{CrewID: f.crewID}, nil); !resp.OK {
		t.Fatalf("start: %s", resp.Error)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("crew run did not finish")
	}

	var status struct {
		Running bool              `json:"running"`
		Metrics execution.Metrics `json:"metrics"`
		Last    *crew.Execution   `json:"last_execution"`
	}
	if resp := f.call(t, "status", crewRef{CrewID: f.crewID}, &status); !resp.OK {
		t.Fatalf("status: %s", resp.Error)
	}
	if status.Running || status.Metrics.Completed != 1 || status.Metrics.SuccessRate != 1 {
		t.Errorf("unexpected status %+v", status)
	}
	if status.Last == nil || status.Last.Status != crew.ExecutionCompleted {
		t.Errorf("expected completed last execution, got %+v", status.Last)
	}

	var execs []crew.Execution
	if resp := f.call(t, "executions", map[string]any{"crew_id": f.crewID}, &execs); !resp.OK {
		t.Fatalf("executions: %s", resp.Error)
	}
	if len(execs) != 1 {
		t.Errorf("expected 1 execution, got %d", len(execs))
	}

	if resp := f.call(t, "stop", crewRef{CrewID: f.crewID}, nil); resp.OK {
		t.Error("stopping an idle crew must fail")
	}
}

func TestStartWhileRunning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	backend := capability.Func(func(context.Context, capability.AgentDescriptor, capability.TaskDescriptor) (string, error) {
		entered <- struct{}{}
		<-release
		return "ok", nil
	})
	f := newFixture(t, backend)
	f.task(t, "slow")
	f.task(t, "next")

	if resp := f.call(t, "start", crewRef{CrewID: f.crewID}, nil); !resp.OK {
		t.Fatalf("start: %s", resp.Error)
	}
	<-entered

	if resp := f.call(t, "start", crewRef{CrewID: f.crewID}, nil); resp.OK || resp.Error != execution.ErrAlreadyRunning.Error() {
		t.Errorf("expected already running, got %+v", resp)
	}
	var running struct {
		Crews []int64 `json:"crews"`
	}
	f.call(t, "running", nil, &running)
	if len(running.Crews) != 1 || running.Crews[0] != f.crewID {
		t.Errorf("unexpected running crews %v", running.Crews)
	}
	if resp := f.call(t, "stop", crewRef{CrewID: f.crewID}, nil); !resp.OK {
		t.Errorf("stop: %s", resp.Error)
	}
	close(release)
	f.runner.Wait()

	c, _ := f.store.GetCrew(f.crewID)
	if c.Status != crew.CrewStopped {
		t.Errorf("expected crew stopped, got %s", c.Status)
	}
}

func TestTaskCommands(t *testing.T) {
	f := newFixture(t, echo())
	a := f.task(t, "a")
	b := f.task(t, "b", a.ID)

	var res execution.Result
	if resp := f.call(t, "execute_task", taskRef{TaskID: b.ID}, &res); !resp.OK {
		t.Fatalf("execute_task: %s", resp.Error)
	}
	if res.Success || !strings.Contains(res.Error, "dependencies") {
		t.Errorf("expected dependency failure, got %+v", res)
	}

	var task crew.Task
	if resp := f.call(t, "complete_task", map[string]any{"task_id": a.ID, "output": map[string]any{"result": "manual"}}, &task); !resp.OK {
		t.Fatalf("complete_task: %s", resp.Error)
	}
	if task.Status != crew.TaskCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}

	if resp := f.call(t, "reset_task", taskRef{TaskID: b.ID}, &task); !resp.OK {
		t.Fatalf("reset_task: %s", resp.Error)
	}
	if resp := f.call(t, "execute_task", taskRef{TaskID: b.ID}, &res); !resp.OK || !res.Success {
		t.Fatalf("execute_task after reset: %+v %+v", resp, res)
	}
	if res.Output != "output of b" {
		t.Errorf("unexpected output %q", res.Output)
	}

	if resp := f.call(t, "start_task", taskRef{TaskID: b.ID}, nil); resp.OK {
		t.Error("starting a completed task must fail")
	}
	if resp := f.call(t, "reset_task", map[string]any{}, nil); resp.OK || resp.Error != "task_id is required" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestScheduleCommands(t *testing.T) {
	f := newFixture(t, echo())

	var created map[string]any
	resp := f.call(t, "create_schedule", map[string]any{"crew_id": f.crewID, "name": "nightly", "schedule": "0 2 * * *"}, &created)
	if !resp.OK {
		t.Fatalf("create_schedule: %s", resp.Error)
	}
	if created["schedule_display"] != "0 2 * * *" || created["next_run_at"] == nil {
		t.Errorf("unexpected schedule %+v", created)
	}

	if resp := f.call(t, "create_schedule", map[string]any{"crew_id": f.crewID, "name": "bad", "schedule": "whenever"}, nil); resp.OK {
		t.Error("invalid schedule must be rejected")
	}
	if resp := f.call(t, "create_schedule", map[string]any{"crew_id": 999, "name": "x", "schedule": "@daily"}, nil); resp.OK {
		t.Error("schedule for unknown crew must be rejected")
	}

	var list []map[string]any
	f.call(t, "list_schedules", crewRef{CrewID: f.crewID}, &list)
	if len(list) != 1 || list[0]["name"] != "nightly" {
		t.Fatalf("unexpected schedules %+v", list)
	}

	if resp := f.call(t, "delete_schedule", map[string]any{"id": list[0]["id"]}, nil); !resp.OK {
		t.Fatalf("delete_schedule: %s", resp.Error)
	}
	list = nil
	f.call(t, "list_schedules", nil, &list)
	if len(list) != 0 {
		t.Errorf("expected no schedules, got %d", len(list))
	}
}
