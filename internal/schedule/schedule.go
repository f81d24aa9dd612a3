package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mtzanidakis/foreman/internal/config"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
)

// Schedule is the stored form of a schedule definition.
type Schedule struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
}

func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// FromDefinition validates a configured schedule. Cron takes precedence
// over interval when both are set.
func FromDefinition(def config.ScheduleDefinition) (*Schedule, error) {
	switch {
	case strings.TrimSpace(def.Cron) != "":
		expr := strings.TrimSpace(def.Cron)
		if !gronx.New().IsValid(expr) {
			return nil, fmt.Errorf("invalid cron expression: %s", expr)
		}
		return &Schedule{Kind: KindCron, CronExpr: expr}, nil
	case def.Interval > 0:
		if def.Interval < time.Second {
			return nil, fmt.Errorf("interval must be at least 1s, got %s", def.Interval)
		}
		return &Schedule{Kind: KindInterval, IntervalMs: def.Interval.Milliseconds()}, nil
	default:
		return nil, errors.New("cron or interval is required")
	}
}

func (s *Schedule) JSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Next returns the first run time strictly after from.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick: %w", err)
		}
		return next, nil
	case KindInterval:
		if s.IntervalMs <= 0 {
			return time.Time{}, errors.New("interval_ms must be positive")
		}
		return from.Add(time.Duration(s.IntervalMs) * time.Millisecond), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

// CalculateNextRun returns the next run after now for a stored schedule,
// or nil if it cannot be parsed.
func CalculateNextRun(scheduleJSON string, now time.Time) *time.Time {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return nil
	}
	next, err := s.Next(now)
	if err != nil {
		return nil
	}
	next = next.UTC()
	return &next
}

// FormatSchedule returns a human-readable description of a schedule JSON string.
func FormatSchedule(scheduleJSON string) string {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	default:
		return scheduleJSON
	}
}
