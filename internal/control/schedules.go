package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/scriptcrew/internal/schedule"
	"github.com/mtzanidakis/scriptcrew/internal/store"
)

func (s *Server) createSchedule(payload json.RawMessage) (any, error) {
	var req struct {
		CrewID   int64  `json:"crew_id"`
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Name == "" || req.Schedule == "" {
		return nil, errors.New("name and schedule are required")
	}
	c, err := s.store.GetCrew(req.CrewID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("crew %d not found", req.CrewID)
	}

	normalized, err := schedule.NormalizeSchedule(req.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	cs := &store.CrewSchedule{
		ID:        uuid.New().String(),
		CrewID:    c.ID,
		Name:      req.Name,
		Schedule:  normalized,
		Status:    "active",
		NextRunAt: schedule.CalculateNextRun(normalized, time.Now()),
	}
	if cs.NextRunAt == nil {
		return nil, errors.New("schedule has no future run")
	}
	if err := s.store.SaveSchedule(cs); err != nil {
		return nil, err
	}

	slog.Info("schedule created", "id", cs.ID, "name", cs.Name, "crew", c.ID)
	return scheduleView(*cs), nil
}

func (s *Server) listSchedules(payload json.RawMessage) (any, error) {
	var ref crewRef
	if len(payload) > 0 {
		if err := decode(payload, &ref); err != nil {
			return nil, err
		}
	}
	schedules, err := s.store.ListSchedules(ref.CrewID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(schedules))
	for _, cs := range schedules {
		views = append(views, scheduleView(cs))
	}
	return views, nil
}

func (s *Server) deleteSchedule(payload json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, errors.New("id is required")
	}
	if err := s.store.DeleteSchedule(req.ID); err != nil {
		return nil, err
	}
	return map[string]any{"id": req.ID, "deleted": true}, nil
}

func scheduleView(cs store.CrewSchedule) map[string]any {
	return map[string]any{
		"id":               cs.ID,
		"crew_id":          cs.CrewID,
		"name":             cs.Name,
		"schedule":         cs.Schedule,
		"schedule_display": schedule.FormatSchedule(cs.Schedule),
		"status":           cs.Status,
		"next_run_at":      cs.NextRunAt,
		"last_run_at":      cs.LastRunAt,
		"last_status":      cs.LastStatus,
		"last_error":       cs.LastError,
	}
}
