// Package schedule parses the schedules crews can be run on: cron
// expressions, fixed intervals and one-off times.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Schedule is the stored JSON form of a crew schedule.
type Schedule struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &s, nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs < 1000 {
			return fmt.Errorf("interval must be at least one second")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Next returns the first run strictly after from, or nil when the schedule
// has no further runs.
func (s *Schedule) Next(from time.Time) *time.Time {
	var next time.Time
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		if s.IntervalMs <= 0 {
			return nil
		}
		next = from.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		next = time.UnixMilli(s.AtMs)
		if !next.After(from) {
			return nil
		}
	default:
		return nil
	}
	return &next
}

// CalculateNextRun is Next for a stored schedule. Unparsable schedules have
// no next run.
func CalculateNextRun(raw string, from time.Time) *time.Time {
	s, err := ParseSchedule(raw)
	if err != nil {
		return nil
	}
	return s.Next(from)
}

// FormatSchedule describes a stored schedule for people.
func FormatSchedule(raw string) string {
	s, err := ParseSchedule(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			return plural(int(d.Hours()), "hour")
		case d >= time.Minute && d%time.Minute == 0:
			return plural(int(d.Minutes()), "minute")
		default:
			return plural(int(d.Seconds()), "second")
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 MST")
	}
	return raw
}

func plural(n int, unit string) string {
	if n == 1 {
		return "Every " + unit
	}
	return fmt.Sprintf("Every %d %ss", n, unit)
}

// NormalizeSchedule turns user input into the stored JSON form. It accepts
// the JSON form itself, "every <duration>" (e.g. "every 90m"), "at
// <RFC3339 time>" and plain cron expressions.
func NormalizeSchedule(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "every "):
		d, err := time.ParseDuration(strings.TrimSpace(raw[len("every "):]))
		if err != nil {
			return "", fmt.Errorf("invalid interval: %w", err)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	case strings.HasPrefix(lower, "at "):
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw[len("at "):]))
		if err != nil {
			return "", fmt.Errorf("invalid time: %w", err)
		}
		s = Schedule{Kind: KindOnce, AtMs: t.UnixMilli()}
	default:
		if !gronx.New().IsValid(raw) {
			return "", fmt.Errorf("invalid schedule: not valid JSON, interval, time or cron expression: %s", raw)
		}
		s = Schedule{Kind: KindCron, CronExpr: raw}
	}

	if err := s.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
