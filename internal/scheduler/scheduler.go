// Package scheduler starts crews when their schedules come due.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/config"
	"github.com/mtzanidakis/scriptcrew/internal/execution"
	"github.com/mtzanidakis/scriptcrew/internal/natsbus"
	"github.com/mtzanidakis/scriptcrew/internal/schedule"
	"github.com/mtzanidakis/scriptcrew/internal/store"
)

// Schedule run outcomes stored in last_status.
const (
	StatusStarted = "started"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

type Store interface {
	GetDueSchedules(now time.Time) ([]store.CrewSchedule, error)
	UpdateScheduleRun(id, lastStatus, lastError string, nextRunAt *time.Time) error
	UpdateScheduleStatus(id, status string) error
}

// Starter launches a crew run without waiting for it. *execution.Runner
// satisfies it.
type Starter interface {
	Start(crewID int64) error
}

type Scheduler struct {
	store        Store
	runner       Starter
	events       execution.Publisher
	pollInterval time.Duration
	reloadCh     chan struct{}
}

// New builds a scheduler. events may be nil.
func New(s Store, runner Starter, events execution.Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		runner:       runner,
		events:       events,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case now := <-ticker.C:
			s.poll(now)
		}
	}
}

func (s *Scheduler) poll(now time.Time) {
	due, err := s.store.GetDueSchedules(now)
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, cs := range due {
		s.fire(cs, now)
	}
}

// fire starts the crew of cs and moves the schedule to its next run. A crew
// that is still running from an earlier trigger is skipped, not queued.
func (s *Scheduler) fire(cs store.CrewSchedule, now time.Time) {
	slog.Info("schedule due", "id", cs.ID, "name", cs.Name, "crew", cs.CrewID)

	var lastStatus, lastError string
	err := s.runner.Start(cs.CrewID)
	switch {
	case err == nil:
		lastStatus = StatusStarted
	case errors.Is(err, execution.ErrAlreadyRunning):
		lastStatus = StatusSkipped
		lastError = err.Error()
		slog.Warn("scheduled crew still running, skipping", "id", cs.ID, "crew", cs.CrewID)
	default:
		lastStatus = StatusError
		lastError = err.Error()
		slog.Error("scheduled crew failed to start", "id", cs.ID, "crew", cs.CrewID, "error", err)
	}

	nextRun := schedule.CalculateNextRun(cs.Schedule, now)
	if err := s.store.UpdateScheduleRun(cs.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", cs.ID, "error", err)
	}

	s.publishFired(cs, lastStatus, nextRun)

	if nextRun == nil {
		slog.Info("no next run, marking one-off schedule as completed", "id", cs.ID, "name", cs.Name)
		if err := s.store.UpdateScheduleStatus(cs.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", cs.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishFired(cs store.CrewSchedule, status string, next *time.Time) {
	if s.events == nil {
		return
	}

	data := map[string]any{
		"id":      cs.ID,
		"name":    cs.Name,
		"crew_id": cs.CrewID,
		"status":  status,
	}
	if next != nil {
		data["next_run_at"] = next.UTC().Format(time.RFC3339)
	}
	event := map[string]any{
		"type":      "schedule_fired",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := s.events.PublishJSON(natsbus.TopicEventsSchedule(cs.ID), event); err != nil {
		slog.Warn("publish schedule event failed", "id", cs.ID, "error", err)
	}
}
