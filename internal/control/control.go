// Package control serves crew commands over NATS request/reply: starting
// and stopping crews, inspecting their tasks and executions, manual task
// transitions and crew schedules.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
	"github.com/mtzanidakis/scriptcrew/internal/execution"
	"github.com/mtzanidakis/scriptcrew/internal/natsbus"
	"github.com/mtzanidakis/scriptcrew/internal/store"
	"github.com/nats-io/nats.go"
)

// Command is a control request.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers every Command. Data is set when OK is true.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Store is what the control commands read and write directly.
type Store interface {
	GetCrew(id int64) (*crew.Crew, error)
	ListTasks(crewID int64) ([]crew.Task, error)
	ListExecutions(crewID int64, limit int) ([]crew.Execution, error)
	SaveSchedule(cs *store.CrewSchedule) error
	ListSchedules(crewID int64) ([]store.CrewSchedule, error)
	DeleteSchedule(id string) error
}

type Server struct {
	client      *natsbus.Client
	subject     string
	store       Store
	runner      *execution.Runner
	taskTimeout time.Duration
	sub         *nats.Subscription
}

func NewServer(client *natsbus.Client, subject string, s Store, runner *execution.Runner, taskTimeout time.Duration) *Server {
	return &Server{
		client:      client,
		subject:     subject,
		store:       s,
		runner:      runner,
		taskTimeout: taskTimeout,
	}
}

func (s *Server) Start() error {
	sub, err := s.client.Subscribe(s.subject, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	slog.Info("control server listening", "subject", s.subject)
	return nil
}

func (s *Server) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

type handlerFunc func(payload json.RawMessage) (any, error)

func (s *Server) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"start":           s.start,
		"stop":            s.stop,
		"running":         s.running,
		"status":          s.status,
		"order":           s.order,
		"metrics":         s.metrics,
		"executions":      s.executions,
		"execute_task":    s.executeTask,
		"start_task":      s.startTask,
		"complete_task":   s.completeTask,
		"reset_task":      s.resetTask,
		"create_schedule": s.createSchedule,
		"list_schedules":  s.listSchedules,
		"delete_schedule": s.deleteSchedule,
	}
}

func (s *Server) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid control command", "error", err)
		respond(msg, Response{Error: "invalid command"})
		return
	}

	h, ok := s.handlers()[cmd.Type]
	if !ok {
		slog.Warn("unknown control command", "type", cmd.Type)
		respond(msg, Response{Error: "unknown command: " + cmd.Type})
		return
	}

	slog.Info("control command received", "type", cmd.Type)

	// A task run can take minutes; keep it off the subscription's
	// dispatch goroutine.
	if cmd.Type == "execute_task" {
		go s.dispatch(msg, h, cmd.Payload)
		return
	}
	s.dispatch(msg, h, cmd.Payload)
}

func (s *Server) dispatch(msg *nats.Msg, h handlerFunc, payload json.RawMessage) {
	data, err := h(payload)
	if err != nil {
		respond(msg, Response{Error: err.Error()})
		return
	}
	respond(msg, Response{OK: true, Data: data})
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to control command", "error", err)
	}
}

type crewRef struct {
	CrewID int64 `json:"crew_id"`
}

type taskRef struct {
	TaskID int64 `json:"task_id"`
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (s *Server) loadCrew(payload json.RawMessage) (*crew.Crew, error) {
	var ref crewRef
	if err := decode(payload, &ref); err != nil {
		return nil, err
	}
	c, err := s.store.GetCrew(ref.CrewID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("crew %d not found", ref.CrewID)
	}
	return c, nil
}

func taskID(payload json.RawMessage) (int64, error) {
	var ref taskRef
	if err := decode(payload, &ref); err != nil {
		return 0, err
	}
	if ref.TaskID == 0 {
		return 0, errors.New("task_id is required")
	}
	return ref.TaskID, nil
}

func (s *Server) start(payload json.RawMessage) (any, error) {
	c, err := s.loadCrew(payload)
	if err != nil {
		return nil, err
	}
	if err := s.runner.Start(c.ID); err != nil {
		return nil, err
	}
	return map[string]any{"crew_id": c.ID, "started": true}, nil
}

func (s *Server) stop(payload json.RawMessage) (any, error) {
	var ref crewRef
	if err := decode(payload, &ref); err != nil {
		return nil, err
	}
	if !s.runner.Stop(ref.CrewID) {
		return nil, fmt.Errorf("crew %d is not running", ref.CrewID)
	}
	return map[string]any{"crew_id": ref.CrewID, "stopping": true}, nil
}

func (s *Server) running(json.RawMessage) (any, error) {
	return map[string]any{"crews": s.runner.Running()}, nil
}

func (s *Server) status(payload json.RawMessage) (any, error) {
	c, err := s.loadCrew(payload)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(c.ID)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"crew":    c,
		"running": s.runner.IsRunning(c.ID),
		"tasks":   tasks,
		"metrics": execution.Calculate(tasks),
	}
	execs, err := s.store.ListExecutions(c.ID, 1)
	if err != nil {
		return nil, err
	}
	if len(execs) > 0 {
		data["last_execution"] = execs[0]
	}
	return data, nil
}

type orderedTask struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	DependsOn []int64 `json:"depends_on"`
}

func (s *Server) order(payload json.RawMessage) (any, error) {
	c, err := s.loadCrew(payload)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(c.ID)
	if err != nil {
		return nil, err
	}
	var pending []crew.Task
	for _, t := range tasks {
		if t.Status == crew.TaskPending {
			pending = append(pending, t)
		}
	}
	resolved, err := execution.Resolve(pending)
	if err != nil {
		return nil, err
	}
	order := make([]orderedTask, 0, len(resolved))
	for _, t := range resolved {
		order = append(order, orderedTask{ID: t.ID, Name: t.Name, DependsOn: t.DependsOn})
	}

	tiers, err := execution.ResolveTiers(pending)
	if err != nil {
		return nil, err
	}
	tierIDs := make([][]int64, 0, len(tiers))
	for _, tier := range tiers {
		ids := make([]int64, 0, len(tier))
		for _, t := range tier {
			ids = append(ids, t.ID)
		}
		tierIDs = append(tierIDs, ids)
	}
	return map[string]any{"order": order, "tiers": tierIDs}, nil
}

func (s *Server) metrics(payload json.RawMessage) (any, error) {
	c, err := s.loadCrew(payload)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(c.ID)
	if err != nil {
		return nil, err
	}
	return execution.Calculate(tasks), nil
}

func (s *Server) executions(payload json.RawMessage) (any, error) {
	var req struct {
		CrewID int64 `json:"crew_id"`
		Limit  int   `json:"limit"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	return s.store.ListExecutions(req.CrewID, req.Limit)
}

func (s *Server) executeTask(payload json.RawMessage) (any, error) {
	id, err := taskID(payload)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}
	res, err := s.runner.ExecuteTask(ctx, id)
	var execErr *crew.ExecutionError
	if err != nil && !errors.As(err, &execErr) {
		return nil, err
	}
	return res, nil
}

func (s *Server) startTask(payload json.RawMessage) (any, error) {
	id, err := taskID(payload)
	if err != nil {
		return nil, err
	}
	return s.runner.StartTask(id)
}

func (s *Server) completeTask(payload json.RawMessage) (any, error) {
	var req struct {
		TaskID     int64          `json:"task_id"`
		Output     map[string]any `json:"output"`
		OutputFile string         `json:"output_file"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.TaskID == 0 {
		return nil, errors.New("task_id is required")
	}
	return s.runner.CompleteTask(req.TaskID, req.Output, req.OutputFile)
}

func (s *Server) resetTask(payload json.RawMessage) (any, error) {
	id, err := taskID(payload)
	if err != nil {
		return nil, err
	}
	return s.runner.ResetTask(id)
}
