package coordinator

import (
	"errors"
	"fmt"

	"github.com/mtzanidakis/foreman/internal/task"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

var (
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrDuplicateAgent    = errors.New("duplicate agent")
	ErrAgentBusy         = errors.New("agent busy")
	ErrTaskNotFound      = task.ErrTaskNotFound
	ErrInvalidState      = errors.New("invalid task state")
	ErrMalformedWorkflow = workflow.ErrMalformedWorkflow
	ErrAgentFailed       = errors.New("agent failed")
	ErrTimeout           = errors.New("execution timed out")
	ErrWorkflowNotFound  = errors.New("workflow not found")
)

// WorkflowError is returned by ExecuteWorkflow under the abort policy. It
// wraps the failure of the first step that failed.
type WorkflowError struct {
	WorkflowID string
	Step       string
	TaskID     string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s: step %s failed: %v", e.WorkflowID, e.Step, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}
