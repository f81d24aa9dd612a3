package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/foreman/internal/notify"
	"github.com/mtzanidakis/foreman/internal/task"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

// ExecuteWorkflow validates and runs a workflow to the end and returns its
// summary. Under the abort policy the first step failure is also returned
// as a *WorkflowError. Steps that never ran are reported as skipped.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, spec workflow.Spec) (workflow.Summary, error) {
	plan, err := workflow.BuildPlan(spec)
	if err != nil {
		return workflow.Summary{}, err
	}
	for _, st := range spec.Steps {
		if _, ok := c.Agent(st.AgentID); !ok {
			return workflow.Summary{}, fmt.Errorf("%w: step %s uses %s", ErrUnknownAgent, st.Name, st.AgentID)
		}
	}

	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	run := workflow.NewRun(spec.ID, spec)

	c.mu.Lock()
	if _, exists := c.runs[spec.ID]; exists {
		c.mu.Unlock()
		return workflow.Summary{}, fmt.Errorf("%w: workflow id %s already used", ErrMalformedWorkflow, spec.ID)
	}
	c.runs[spec.ID] = run
	maxParallel := c.maxParallel
	c.mu.Unlock()

	c.log.Info("workflow started", "workflow", spec.ID, "name", spec.Name, "steps", len(spec.Steps),
		"policy", run.Policy, "parallel", spec.Parallel)
	c.persistRun(c.summarize(run))

	x := &execution{
		c:       c,
		spec:    spec,
		plan:    plan,
		run:     run,
		limit:   maxParallel,
		results: make(map[string]any, len(spec.Steps)),
		byName:  make(map[string]workflow.Step, len(spec.Steps)),
	}
	for _, st := range spec.Steps {
		x.byName[st.Name] = st
	}
	if spec.Parallel {
		x.runTiers(ctx)
	} else {
		x.runSequential(ctx)
	}

	run.Finish()
	sum := c.summarize(run)
	c.persistRun(sum)
	c.notify(ctx, notify.WorkflowEvent(sum))
	c.log.Info("workflow finished", "workflow", spec.ID, "status", sum.Status,
		"completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped)

	if run.Policy == workflow.PolicyAbort && sum.FirstFailure != nil {
		return sum, &WorkflowError{
			WorkflowID: spec.ID,
			Step:       sum.FirstFailure.Name,
			TaskID:     sum.FirstFailure.TaskID,
			Err:        sum.FirstFailure.Error,
		}
	}
	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("workflow %s: %w", spec.ID, err)
	}
	return sum, nil
}

// GetWorkflowSummary recomputes the summary of a workflow from the current
// state of its tasks. Runs from earlier processes are served from the
// store when one is configured.
func (c *Coordinator) GetWorkflowSummary(id string) (workflow.Summary, error) {
	c.mu.RLock()
	run, ok := c.runs[id]
	c.mu.RUnlock()
	if ok {
		return c.summarize(run), nil
	}

	if c.store != nil {
		sum, err := c.store.GetWorkflowRun(id)
		if err != nil {
			return workflow.Summary{}, fmt.Errorf("load workflow %s: %w", id, err)
		}
		if sum != nil {
			return *sum, nil
		}
	}
	return workflow.Summary{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
}

// Workflows returns the summaries of the workflows run by this process,
// newest first.
func (c *Coordinator) Workflows() []workflow.Summary {
	c.mu.RLock()
	runs := slices.Collect(maps.Values(c.runs))
	c.mu.RUnlock()

	out := make([]workflow.Summary, 0, len(runs))
	for _, r := range runs {
		out = append(out, c.summarize(r))
	}
	slices.SortFunc(out, func(a, b workflow.Summary) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out
}

func (c *Coordinator) summarize(run *workflow.Run) workflow.Summary {
	return run.Summarize(func(id string) (task.Task, bool) {
		t, err := c.tasks.Get(id)
		return t, err == nil
	})
}

// execution is the state of one ExecuteWorkflow call.
type execution struct {
	c    *Coordinator
	spec workflow.Spec
	plan *workflow.Plan
	run  *workflow.Run
	// limit is the coordinator default for parallel tiers.
	limit int

	mu      sync.Mutex
	results map[string]any
	byName  map[string]workflow.Step
	aborted bool
}

func (x *execution) runSequential(ctx context.Context) {
	for _, st := range x.spec.Steps {
		if ctx.Err() != nil {
			x.run.SkipRemaining(workflow.SkipCanceled)
			return
		}
		if !x.depsCompleted(st.Name) {
			x.run.Skip(st.Name, workflow.SkipDependencyFailed)
			continue
		}
		if ok := x.runStep(ctx, st); !ok && x.abort() {
			if ctx.Err() != nil {
				x.run.SkipRemaining(workflow.SkipCanceled)
			} else {
				x.run.SkipRemaining(workflow.SkipAborted)
			}
			return
		}
	}
}

// runTiers runs each tier's steps concurrently, bounded by the workflow's
// MaxParallel. A tier starts only after the previous one has finished.
func (x *execution) runTiers(ctx context.Context) {
	limit := x.spec.MaxParallel
	if limit == 0 {
		limit = x.limit
	}
	if limit <= 0 {
		limit = -1
	}

	for _, tier := range x.plan.Tiers {
		if ctx.Err() != nil {
			x.run.SkipRemaining(workflow.SkipCanceled)
			return
		}
		if x.isAborted() {
			x.run.SkipRemaining(workflow.SkipAborted)
			return
		}

		var g errgroup.Group
		g.SetLimit(limit)
		for _, name := range tier {
			st := x.byName[name]
			g.Go(func() error {
				switch {
				case ctx.Err() != nil:
					x.run.Skip(st.Name, workflow.SkipCanceled)
				case x.isAborted():
					x.run.Skip(st.Name, workflow.SkipAborted)
				case !x.depsCompleted(st.Name):
					x.run.Skip(st.Name, workflow.SkipDependencyFailed)
				default:
					if ok := x.runStep(ctx, st); !ok {
						x.abort()
					}
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if ctx.Err() != nil {
		x.run.SkipRemaining(workflow.SkipCanceled)
	} else if x.isAborted() {
		x.run.SkipRemaining(workflow.SkipAborted)
	}
}

// runStep creates and executes the task for one step and reports whether
// it completed.
func (x *execution) runStep(ctx context.Context, st workflow.Step) bool {
	x.mu.Lock()
	input := workflow.Substitute(st.Input, x.results)
	deps := make(map[string]any, len(x.plan.Deps[st.Name]))
	for _, d := range x.plan.Deps[st.Name] {
		deps[d] = x.results[d]
	}
	x.mu.Unlock()

	c := x.c
	t := c.tasks.Create(st.AgentID, st.Description, input, task.InWorkflow(x.spec.ID, st.Name))
	c.persistTask(t)
	x.run.BindTask(st.Name, t.ID)

	done, err := c.ExecuteTask(ctx, t.ID, withDependencies(deps))
	if errors.Is(err, ErrUnknownAgent) {
		done, _ = c.abandon(ctx, t.ID, err)
	}
	if done.State != task.StateCompleted {
		return false
	}

	x.mu.Lock()
	x.results[st.Name] = done.Result
	x.mu.Unlock()
	return true
}

func (x *execution) depsCompleted(name string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, d := range x.plan.Deps[name] {
		if _, ok := x.results[d]; !ok {
			return false
		}
	}
	return true
}

// abort records a failure and reports whether the policy stops the run.
func (x *execution) abort() bool {
	if x.run.Policy != workflow.PolicyAbort {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.aborted = true
	return true
}

func (x *execution) isAborted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.aborted
}
