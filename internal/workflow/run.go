package workflow

import (
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/foreman/internal/task"
)

// StepState is a step's state within a run. Steps that were given a task
// report that task's state.
type StepState string

const (
	StepPending    StepState = "pending"
	StepInProgress StepState = "in_progress"
	StepCompleted  StepState = "completed"
	StepFailed     StepState = "failed"
	StepSkipped    StepState = "skipped"
)

// Skip reasons recorded on steps that never ran.
const (
	SkipAborted          = "aborted"
	SkipDependencyFailed = "dependency failed"
	SkipCanceled         = "canceled"
)

// Status is the overall state of a run, always derived from its steps.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
	StatusCanceled  Status = "canceled"
)

// Run is the record of one workflow execution: the task bound to each step
// once created, or why the step was skipped. It holds no state of its own
// beyond that.
type Run struct {
	ID         string
	Name       string
	Policy     Policy
	StartedAt  time.Time
	FinishedAt time.Time

	mu    sync.Mutex
	steps []stepRun
	index map[string]int
}

type stepRun struct {
	name    string
	agentID string
	taskID  string
	skip    string
}

func NewRun(id string, spec Spec) *Run {
	r := &Run{
		ID:        id,
		Name:      spec.Name,
		Policy:    spec.EffectivePolicy(),
		StartedAt: time.Now(),
		steps:     make([]stepRun, len(spec.Steps)),
		index:     make(map[string]int, len(spec.Steps)),
	}
	for i, st := range spec.Steps {
		r.steps[i] = stepRun{name: st.Name, agentID: st.AgentID}
		r.index[st.Name] = i
	}
	return r
}

func (r *Run) BindTask(step, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[step]; ok {
		r.steps[i].taskID = taskID
	}
}

// Skip marks a step that has no task yet as skipped. It reports whether the
// step was marked.
func (r *Run) Skip(step, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[step]
	if !ok || r.steps[i].taskID != "" || r.steps[i].skip != "" {
		return false
	}
	r.steps[i].skip = reason
	return true
}

// SkipRemaining skips every step that has neither a task nor a skip reason.
func (r *Run) SkipRemaining(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.steps {
		if r.steps[i].taskID == "" && r.steps[i].skip == "" {
			r.steps[i].skip = reason
		}
	}
}

func (r *Run) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = time.Now()
}

// TaskIDs returns the ids of the tasks created so far, in step order.
func (r *Run) TaskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.steps))
	for _, s := range r.steps {
		if s.taskID != "" {
			ids = append(ids, s.taskID)
		}
	}
	return ids
}

type StepSummary struct {
	Name       string        `json:"name"`
	AgentID    string        `json:"agent_id"`
	TaskID     string        `json:"task_id,omitempty"`
	State      StepState     `json:"state"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Result     any           `json:"result,omitempty"`
	Error      *task.Failure `json:"error,omitempty"`
}

// Summary is a point-in-time projection of a run over the current task
// states.
type Summary struct {
	WorkflowID   string        `json:"workflow_id"`
	Name         string        `json:"name,omitempty"`
	Policy       Policy        `json:"policy"`
	Status       Status        `json:"status"`
	Steps        []StepSummary `json:"steps"`
	Pending      int           `json:"pending"`
	InProgress   int           `json:"in_progress"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	FirstFailure *StepSummary  `json:"first_failure,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitzero"`
}

// Summarize recomputes the run's summary. lookup returns the current state
// of a task by id.
func (r *Run) Summarize(lookup func(id string) (task.Task, bool)) Summary {
	r.mu.Lock()
	steps := slices.Clone(r.steps)
	finished := r.FinishedAt
	r.mu.Unlock()

	sum := Summary{
		WorkflowID: r.ID,
		Name:       r.Name,
		Policy:     r.Policy,
		Steps:      make([]StepSummary, 0, len(steps)),
		StartedAt:  r.StartedAt,
		FinishedAt: finished,
	}

	var firstFailedAt time.Time
	for _, s := range steps {
		ss := StepSummary{Name: s.name, AgentID: s.agentID, TaskID: s.taskID, State: StepPending}
		switch {
		case s.skip != "":
			ss.State = StepSkipped
			ss.SkipReason = s.skip
		case s.taskID != "":
			if t, ok := lookup(s.taskID); ok {
				ss.State = StepState(t.State)
				ss.Result = t.Result
				ss.Error = t.Error
				if t.State == task.StateFailed && (sum.FirstFailure == nil || t.FinishedAt.Before(firstFailedAt)) {
					firstFailedAt = t.FinishedAt
					ff := ss
					sum.FirstFailure = &ff
				}
			}
		}

		switch ss.State {
		case StepPending:
			sum.Pending++
		case StepInProgress:
			sum.InProgress++
		case StepCompleted:
			sum.Completed++
		case StepFailed:
			sum.Failed++
		case StepSkipped:
			sum.Skipped++
		}
		sum.Steps = append(sum.Steps, ss)
	}

	sum.Status = sum.status()
	return sum
}

func (s Summary) status() Status {
	switch {
	case s.Pending > 0 || s.InProgress > 0:
		return StatusRunning
	case s.Failed == 0 && s.Skipped == 0:
		return StatusCompleted
	case s.Failed == 0:
		return StatusCanceled
	case s.Policy == PolicyAbort || s.Completed == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
