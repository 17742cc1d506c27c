package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
	"golang.org/x/sync/semaphore"
)

// ErrAlreadyRunning is returned when a crew, or a crew a flow would run, is
// already being executed.
var ErrAlreadyRunning = errors.New("crew is already running")

// FinishFunc is called after every run started by a Runner. err is set when
// the run could not complete normally.
type FinishFunc func(crewID int64, res *CrewResult, err error)

type activeRun struct {
	crews  []int64
	cancel context.CancelFunc
}

// Runner executes crews off the caller's path. One crew never runs twice at
// the same time; different crews run in parallel up to a limit.
type Runner struct {
	repo  Repository
	exec  *CrewExecutor
	tasks *TaskExecutor
	locks *Locks
	sem   *semaphore.Weighted

	mu       sync.Mutex
	runs     map[int64]*activeRun
	onFinish []FinishFunc
	wg       sync.WaitGroup
}

func NewRunner(repo Repository, exec *CrewExecutor, tasks *TaskExecutor, maxConcurrent int64) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Runner{
		repo:  repo,
		exec:  exec,
		tasks: tasks,
		locks: NewLocks(),
		sem:   semaphore.NewWeighted(maxConcurrent),
		runs:  make(map[int64]*activeRun),
	}
}

// OnFinish registers fn to be called after each run.
func (r *Runner) OnFinish(fn FinishFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinish = append(r.onFinish, fn)
}

// Start launches crewID in the background and returns once its locks are
// held. The run uses its own context so it outlives the request that
// started it.
func (r *Runner) Start(crewID int64) error {
	ctx, err := r.acquire(crewID)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.execute(ctx, crewID); err != nil {
			slog.Error("crew run failed", "crew", crewID, "error", err)
		}
	}()
	return nil
}

// Run executes crewID and waits for it to finish.
func (r *Runner) Run(ctx context.Context, crewID int64) (*CrewResult, error) {
	runCtx, err := r.acquire(crewID)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { r.Stop(crewID) })
	defer stop()
	return r.execute(runCtx, crewID)
}

// Stop asks the run that owns crewID to end before its next task. It
// reports whether such a run was found. crewID may be a sub-crew of a
// running flow, in which case the whole flow stops.
func (r *Runner) Stop(crewID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for root, run := range r.runs {
		if root == crewID || slices.Contains(run.crews, crewID) {
			slog.Info("stopping crew", "crew", root, "requested", crewID)
			run.cancel()
			return true
		}
	}
	return false
}

// Running returns the ids of the crews with an active run.
func (r *Runner) Running() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsRunning reports whether crewID is locked by an active run.
func (r *Runner) IsRunning(crewID int64) bool {
	return r.locks.Held(crewID)
}

// Wait blocks until every background run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops every run and waits for them, or for ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, run := range r.runs {
		run.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteTask runs a single pending task under its crew's lock.
func (r *Runner) ExecuteTask(ctx context.Context, taskID int64) (Result, error) {
	task, err := r.lockTask(taskID)
	if err != nil {
		return Result{}, err
	}
	defer r.locks.Unlock(task.CrewID)
	return r.tasks.execute(ctx, task, false)
}

// StartTask moves a pending task to in progress by hand.
func (r *Runner) StartTask(taskID int64) (*crew.Task, error) {
	task, err := r.lockTask(taskID)
	if err != nil {
		return nil, err
	}
	defer r.locks.Unlock(task.CrewID)

	started, err := crew.Transition(task, crew.TaskInProgress, time.Now(), crew.Outcome{})
	if err != nil {
		return nil, err
	}
	if err := r.repo.SaveTask(started); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	return started, nil
}

// CompleteTask records output for a task by hand. A pending task is
// started first, so each stored change is an edge of the state machine.
func (r *Runner) CompleteTask(taskID int64, output map[string]any, outputFile string) (*crew.Task, error) {
	task, err := r.lockTask(taskID)
	if err != nil {
		return nil, err
	}
	defer r.locks.Unlock(task.CrewID)

	now := time.Now()
	if task.Status == crew.TaskPending {
		if task, err = crew.Transition(task, crew.TaskInProgress, now, crew.Outcome{}); err != nil {
			return nil, err
		}
		if err := r.repo.SaveTask(task); err != nil {
			return nil, fmt.Errorf("save task: %w", err)
		}
	}
	done, err := crew.Transition(task, crew.TaskCompleted, now, crew.Outcome{Output: output, OutputFile: outputFile})
	if err != nil {
		return nil, err
	}
	if err := r.repo.SaveTask(done); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	return done, nil
}

// ResetTask puts a finished task back to pending so the next run picks it
// up again.
func (r *Runner) ResetTask(taskID int64) (*crew.Task, error) {
	task, err := r.lockTask(taskID)
	if err != nil {
		return nil, err
	}
	defer r.locks.Unlock(task.CrewID)

	reset, err := crew.Reset(task)
	if err != nil {
		return nil, err
	}
	if err := r.repo.SaveTask(reset); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	return reset, nil
}

func (r *Runner) lockTask(taskID int64) (*crew.Task, error) {
	task, err := r.repo.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("task %d not found", taskID)
	}
	if !r.locks.TryLock(task.CrewID) {
		return nil, ErrAlreadyRunning
	}
	// Reload under the lock so the state acted on is current.
	fresh, err := r.repo.GetTask(taskID)
	if err != nil {
		r.locks.Unlock(task.CrewID)
		return nil, fmt.Errorf("reload task: %w", err)
	}
	if fresh == nil {
		r.locks.Unlock(task.CrewID)
		return nil, fmt.Errorf("task %d not found", taskID)
	}
	return fresh, nil
}

// acquire locks crewID and, for flows, every crew below it, and registers
// the run.
func (r *Runner) acquire(crewID int64) (context.Context, error) {
	c, err := r.repo.GetCrew(crewID)
	if err != nil {
		return nil, fmt.Errorf("load crew: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("crew %d not found", crewID)
	}

	crews := []int64{crewID}
	if c.IsFlow {
		below, err := r.descendants(crewID)
		if err != nil {
			return nil, err
		}
		crews = append(crews, below...)
	}

	if !r.locks.TryLock(crews...) {
		return nil, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.runs[crewID] = &activeRun{crews: crews, cancel: cancel}
	r.mu.Unlock()
	return ctx, nil
}

func (r *Runner) descendants(root int64) ([]int64, error) {
	var ids []int64
	seen := map[int64]bool{root: true}
	queue := []int64{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		subs, err := r.repo.ListSubCrews(id)
		if err != nil {
			return nil, fmt.Errorf("list sub-crews: %w", err)
		}
		for _, s := range subs {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			ids = append(ids, s.ID)
			queue = append(queue, s.ID)
		}
	}
	return ids, nil
}

func (r *Runner) execute(ctx context.Context, crewID int64) (*CrewResult, error) {
	var res *CrewResult
	err := r.sem.Acquire(ctx, 1)
	if err == nil {
		res, err = r.exec.Execute(ctx, crewID)
		r.sem.Release(1)
	} else {
		slog.Info("crew stopped before it started", "crew", crewID)
		res = newCrewResult(crewID)
		res.Stopped = true
		err = nil
	}
	r.release(crewID)

	r.mu.Lock()
	listeners := slices.Clone(r.onFinish)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(crewID, res, err)
	}
	return res, err
}

func (r *Runner) release(crewID int64) {
	r.mu.Lock()
	run, ok := r.runs[crewID]
	delete(r.runs, crewID)
	r.mu.Unlock()
	if ok {
		run.cancel()
		r.locks.Unlock(run.crews...)
	}
}
