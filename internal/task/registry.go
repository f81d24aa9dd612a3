package task

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the in-memory task store. All state changes go through
// transition, which checks the current state under the lock.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

type CreateOption func(*Task)

// InWorkflow marks the task as created for a workflow step.
func InWorkflow(workflowID, step string) CreateOption {
	return func(t *Task) {
		t.WorkflowID = workflowID
		t.Step = step
	}
}

// Create allocates a pending task and returns a copy of it.
func (r *Registry) Create(agentID, description string, input any, opts ...CreateOption) Task {
	t := &Task{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Description: description,
		Input:       input,
		State:       StatePending,
		CreatedAt:   r.now(),
	}
	for _, opt := range opts {
		opt(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	return *t
}

func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// Filter selects tasks in List. Zero fields match everything.
type Filter struct {
	AgentID    string
	State      State
	WorkflowID string
}

func (f Filter) match(t *Task) bool {
	if f.AgentID != "" && t.AgentID != f.AgentID {
		return false
	}
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.WorkflowID != "" && t.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

// List returns copies of the matching tasks in creation order.
func (r *Registry) List(f Filter) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0)
	for _, id := range r.order {
		if t := r.tasks[id]; f.match(t) {
			out = append(out, *t)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Start moves a pending task to in progress. Exactly one concurrent caller
// wins; the others get a *TransitionError.
func (r *Registry) Start(id string) (Task, error) {
	return r.transition(id, StatePending, StateInProgress, func(t *Task) {
		t.StartedAt = r.now()
	})
}

func (r *Registry) Complete(id string, result any) (Task, error) {
	return r.transition(id, StateInProgress, StateCompleted, func(t *Task) {
		t.Result = result
		t.FinishedAt = r.now()
	})
}

func (r *Registry) Fail(id string, f *Failure) (Task, error) {
	return r.transition(id, StateInProgress, StateFailed, func(t *Task) {
		t.Error = f
		t.FinishedAt = r.now()
	})
}

func (r *Registry) transition(id string, from, to State, apply func(*Task)) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if t.State != from {
		return *t, &TransitionError{TaskID: id, From: from, To: to, Actual: t.State}
	}
	t.State = to
	if apply != nil {
		apply(t)
	}
	return *t, nil
}

// CountByState counts tasks per state. With no ids it counts every task.
func (r *Registry) CountByState(ids ...string) map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[State]int)
	if len(ids) == 0 {
		for _, t := range r.tasks {
			counts[t.State]++
		}
		return counts
	}
	for _, id := range slices.Compact(slices.Sorted(slices.Values(ids))) {
		if t, ok := r.tasks[id]; ok {
			counts[t.State]++
		}
	}
	return counts
}

// InProgress counts the agent's tasks currently in progress.
func (r *Registry) InProgress(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.tasks {
		if t.AgentID == agentID && t.State == StateInProgress {
			n++
		}
	}
	return n
}
