package task

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateCompleted, StateFailed:
		return true
	}
	return false
}

// FailureKind classifies why a task failed.
type FailureKind string

const (
	KindAgentError     FailureKind = "agent_error"
	KindTimeout        FailureKind = "timeout"
	KindCanceled       FailureKind = "canceled"
	KindWorkspaceError FailureKind = "workspace_error"
	KindUnknownAgent   FailureKind = "unknown_agent"
)

// Failure is the error recorded on a failed task.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Cause   error       `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// NewFailure builds a Failure whose message is taken from cause.
func NewFailure(kind FailureKind, cause error) *Failure {
	msg := string(kind)
	if cause != nil {
		msg = cause.Error()
	}
	return &Failure{Kind: kind, Message: msg, Cause: cause}
}

type Task struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Description string    `json:"description"`
	Input       any       `json:"input,omitempty"`
	State       State     `json:"state"`
	Result      any       `json:"result,omitempty"`
	Error       *Failure  `json:"error,omitempty"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	Step        string    `json:"step,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// Duration is the time spent in progress, or zero if the task has not
// finished.
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// TransitionError reports a transition attempted from the wrong state.
type TransitionError struct {
	TaskID string
	From   State
	To     State
	Actual State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move %s -> %s, task is %s", e.TaskID, e.From, e.To, e.Actual)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
