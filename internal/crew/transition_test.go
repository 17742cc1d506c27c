package crew

import (
	"errors"
	"testing"
	"time"
)

func pendingTask() *Task {
	return &Task{ID: 7, CrewID: 1, AgentID: 1, Name: "Research", Description: "Dig in", Status: TaskPending}
}

func TestTransitionStampsStartOnce(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	next, err := Transition(pendingTask(), TaskInProgress, now, Outcome{})
	if err != nil {
		t.Fatal(err)
	}
	if next.StartedAt == nil || !next.StartedAt.Equal(now) {
		t.Fatalf("expected started_at %v, got %v", now, next.StartedAt)
	}
	if next.CompletedAt != nil {
		t.Fatal("expected no completed_at while in progress")
	}

	later := now.Add(time.Minute)
	done, err := Transition(next, TaskCompleted, later, Outcome{Output: map[string]any{"result": "ok"}})
	if err != nil {
		t.Fatal(err)
	}
	if !done.StartedAt.Equal(now) {
		t.Error("started_at must not be re-stamped")
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(later) {
		t.Errorf("expected completed_at %v, got %v", later, done.CompletedAt)
	}
}

func TestTransitionDoesNotMutateInput(t *testing.T) {
	task := pendingTask()
	if _, err := Transition(task, TaskInProgress, time.Now(), Outcome{}); err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskPending || task.StartedAt != nil {
		t.Fatal("input task was modified")
	}
}

func TestTransitionCompletedRequiresOutput(t *testing.T) {
	running, _ := Transition(pendingTask(), TaskInProgress, time.Now(), Outcome{})

	_, err := Transition(running, TaskCompleted, time.Now(), Outcome{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Field != "status" {
		t.Errorf("expected status field, got %s", verr.Field)
	}

	if _, err := Transition(running, TaskCompleted, time.Now(), Outcome{OutputFile: "out/report.md"}); err != nil {
		t.Errorf("output file alone should satisfy completion: %v", err)
	}
}

func TestTransitionFailedRequiresMessage(t *testing.T) {
	running, _ := Transition(pendingTask(), TaskInProgress, time.Now(), Outcome{})

	_, err := Transition(running, TaskFailed, time.Now(), Outcome{Error: "   "})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "error_message" {
		t.Fatalf("expected error_message validation error, got %v", err)
	}

	failed, err := Transition(running, TaskFailed, time.Now(), Outcome{Error: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if failed.ErrorMessage != "boom" || failed.CompletedAt == nil {
		t.Errorf("unexpected failed task %+v", failed)
	}
}

func TestTransitionPendingToFailed(t *testing.T) {
	failed, err := Transition(pendingTask(), TaskFailed, time.Now(), Outcome{Error: "dependencies not complete"})
	if err != nil {
		t.Fatal(err)
	}
	if failed.StartedAt != nil {
		t.Error("pre-flight failure must not stamp started_at")
	}
	if failed.CompletedAt == nil {
		t.Error("expected completed_at on failure")
	}
}

func TestTransitionRejectsUndefinedEdges(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
	}{
		{TaskPending, TaskCompleted},
		{TaskPending, TaskPending},
		{TaskInProgress, TaskPending},
		{TaskCompleted, TaskPending},
		{TaskCompleted, TaskInProgress},
		{TaskFailed, TaskInProgress},
		{TaskFailed, TaskCompleted},
	}
	for _, tc := range cases {
		task := pendingTask()
		task.Status = tc.from
		task.OutputData = map[string]any{"result": "x"}
		task.ErrorMessage = "x"
		if _, err := Transition(task, tc.to, time.Now(), Outcome{Output: map[string]any{"result": "y"}, Error: "y"}); err == nil {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestReset(t *testing.T) {
	running, _ := Transition(pendingTask(), TaskInProgress, time.Now(), Outcome{})
	if _, err := Reset(running); err == nil {
		t.Fatal("expected reset of in-progress task to fail")
	}

	done, _ := Transition(running, TaskCompleted, time.Now(), Outcome{Output: map[string]any{"result": "ok"}})
	reset, err := Reset(done)
	if err != nil {
		t.Fatal(err)
	}
	if reset.Status != TaskPending || reset.StartedAt != nil || reset.CompletedAt != nil || reset.HasOutput() {
		t.Errorf("reset left state behind: %+v", reset)
	}
	if err := reset.Validate(); err != nil {
		t.Errorf("reset task should validate: %v", err)
	}
}

func TestResetClearsOutputFile(t *testing.T) {
	running, _ := Transition(pendingTask(), TaskInProgress, time.Now(), Outcome{})
	done, _ := Transition(running, TaskCompleted, time.Now(), Outcome{
		Output:     map[string]any{"result": "draft"},
		OutputFile: "reports/draft.md",
	})

	reset, err := Reset(done)
	if err != nil {
		t.Fatal(err)
	}
	if reset.OutputFile != "" {
		t.Fatalf("expected output file cleared, got %q", reset.OutputFile)
	}

	rerun, _ := Transition(reset, TaskInProgress, time.Now(), Outcome{})
	again, err := Transition(rerun, TaskCompleted, time.Now(), Outcome{Output: map[string]any{"result": "final"}})
	if err != nil {
		t.Fatal(err)
	}
	if again.OutputFile != "" {
		t.Errorf("second run reports the first run's file %q", again.OutputFile)
	}
}

func TestCanStore(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskPending, true},
		{TaskPending, TaskInProgress, true},
		{TaskPending, TaskFailed, true},
		{TaskPending, TaskCompleted, false},
		{TaskInProgress, TaskCompleted, true},
		{TaskInProgress, TaskPending, false},
		{TaskFailed, TaskCompleted, false},
		{TaskFailed, TaskInProgress, false},
		{TaskFailed, TaskPending, true},
		{TaskCompleted, TaskFailed, false},
		{TaskCompleted, TaskPending, true},
		{TaskCompleted, TaskCompleted, true},
	}
	for _, tt := range tests {
		if got := CanStore(tt.from, tt.to); got != tt.want {
			t.Errorf("CanStore(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
