package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/task"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

type EventType string

const (
	TaskCompleted    EventType = "task.completed"
	TaskFailed       EventType = "task.failed"
	WorkflowFinished EventType = "workflow.finished"
)

type Event struct {
	Type       EventType         `json:"type"`
	TaskID     string            `json:"task_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Task       *task.Task        `json:"task,omitempty"`
	Summary    *workflow.Summary `json:"summary,omitempty"`
	Time       time.Time         `json:"time"`
}

// TaskEvent builds the event for a task that reached a terminal state.
func TaskEvent(t task.Task) Event {
	typ := TaskCompleted
	if t.State == task.StateFailed {
		typ = TaskFailed
	}
	return Event{
		Type:       typ,
		TaskID:     t.ID,
		AgentID:    t.AgentID,
		WorkflowID: t.WorkflowID,
		Task:       &t,
		Time:       time.Now(),
	}
}

func WorkflowEvent(s workflow.Summary) Event {
	return Event{
		Type:       WorkflowFinished,
		WorkflowID: s.WorkflowID,
		Summary:    &s,
		Time:       time.Now(),
	}
}

// Notifier receives coordinator events. Errors are reported to the caller
// but never change task or workflow outcomes.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// None discards every event.
type None struct{}

func (None) Notify(context.Context, Event) error { return nil }

// Multi delivers each event to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the notifier selected by cfg.Backend. pub may be nil when the
// NATS backend is not selected.
func New(cfg config.NotifyConfig, pub Publisher) (Notifier, error) {
	switch cfg.Backend {
	case "", "none":
		return None{}, nil
	case "nats":
		if pub == nil {
			return nil, errors.New("nats notifier requires a running bus")
		}
		return NewNATS(pub), nil
	case "telegram":
		return NewTelegram(cfg.Telegram)
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Backend)
	}
}
