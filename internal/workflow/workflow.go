package workflow

import (
	"errors"
	"fmt"
)

// Policy decides what happens to the remaining steps once one fails.
type Policy string

const (
	PolicyAbort    Policy = "abort"
	PolicyContinue Policy = "continue"
)

var ErrMalformedWorkflow = errors.New("malformed workflow")

// Spec is a caller-defined workflow. Steps run in declared order unless
// Parallel is set, in which case independent steps of the same tier may
// run together, at most MaxParallel at a time.
type Spec struct {
	ID          string `json:"id,omitempty" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Policy      Policy `json:"policy,omitempty" yaml:"policy"`
	Steps       []Step `json:"steps" yaml:"steps"`
	Parallel    bool   `json:"parallel,omitempty" yaml:"parallel"`
	MaxParallel int    `json:"max_parallel,omitempty" yaml:"max_parallel"`
}

// Step is one task of a workflow. Input may reference the result of an
// earlier step as ${steps.<name>}, anywhere inside strings, maps or slices.
type Step struct {
	Name        string   `json:"name" yaml:"name"`
	AgentID     string   `json:"agent" yaml:"agent"`
	Description string   `json:"description" yaml:"description"`
	Input       any      `json:"input,omitempty" yaml:"input"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on"`
}

func (s Spec) EffectivePolicy() Policy {
	if s.Policy == "" {
		return PolicyAbort
	}
	return s.Policy
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedWorkflow, fmt.Sprintf(format, args...))
}
