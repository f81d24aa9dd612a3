package agent

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"
)

// Role tags what kind of work an agent does. The set is open: any
// non-empty value is accepted.
type Role string

const (
	RolePlanning      Role = "planning"
	RoleCoding        Role = "coding"
	RoleTesting       Role = "testing"
	RoleDocumentation Role = "documentation"
	RoleReview        Role = "review"
)

// Workspace is the file access an executor gets to its own workspace.
type Workspace interface {
	Path() (string, error)
	ReadFile(rel string) ([]byte, error)
	WriteFile(rel string, content []byte) error
	DeleteFile(rel string) error
	ListFiles(pattern string) iter.Seq2[string, error]
}

// Request is what an executor receives for one task.
type Request struct {
	TaskID      string
	Description string
	Input       any

	// Dependencies holds the results of the workflow steps this task
	// depends on, keyed by step name. Nil outside workflows.
	Dependencies map[string]any
	WorkflowID   string
	Step         string

	WorkspaceRoot string
	Workspace     Workspace
}

// Executor is the capability an agent brings. Execute should return when
// ctx is done; the coordinator stops waiting either way.
type Executor interface {
	Execute(ctx context.Context, req Request) (any, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         Role     `json:"role"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Workspace    string   `json:"workspace"`
	Executor     Executor `json:"-"`

	// Timeout bounds each execution unless the caller passes its own.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (a Agent) Validate() error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	if a.Executor == nil {
		return errors.New("agent executor is required")
	}
	return nil
}

func (a Agent) HasCapability(name string) bool {
	return slices.Contains(a.Capabilities, name)
}
