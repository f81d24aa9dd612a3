package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrPathTraversal means a path resolved outside the agent's workspace.
	ErrPathTraversal = errors.New("path escapes workspace")

	// ErrNotFound means the file or workspace does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIOFailure wraps permission, disk and other filesystem errors.
	ErrIOFailure = errors.New("workspace i/o failure")

	// ErrInvalidAgentID means the agent id cannot name a directory.
	ErrInvalidAgentID = errors.New("invalid agent id")
)

// Error is returned by every Manager operation. Kind is one of the
// package sentinels; both Kind and Err match with errors.Is.
type Error struct {
	Kind    error
	AgentID string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.AgentID != "" {
		msg = fmt.Sprintf("workspace %s: %s", e.AgentID, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func traversal(agentID, path string) error {
	return &Error{Kind: ErrPathTraversal, AgentID: agentID, Path: path}
}

func notFound(agentID, path string, err error) error {
	return &Error{Kind: ErrNotFound, AgentID: agentID, Path: path, Err: err}
}

func ioFailure(agentID, path string, err error) error {
	return &Error{Kind: ErrIOFailure, AgentID: agentID, Path: path, Err: err}
}

// IsTraversal reports whether err is a path traversal rejection.
func IsTraversal(err error) bool {
	return errors.Is(err, ErrPathTraversal)
}

// IsNotFound reports whether err is a missing file or workspace.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
