package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/foreman/internal/agent"
	"github.com/mtzanidakis/foreman/internal/notify"
	"github.com/mtzanidakis/foreman/internal/task"
)

type execConfig struct {
	timeout   time.Duration
	serialize bool
	deps      map[string]any
}

type ExecOption func(*execConfig)

// WithExecTimeout bounds this execution, overriding the agent and
// coordinator defaults. Zero disables the timeout.
func WithExecTimeout(d time.Duration) ExecOption {
	return func(e *execConfig) { e.timeout = d }
}

func withDependencies(deps map[string]any) ExecOption {
	return func(e *execConfig) { e.deps = deps }
}

type outcome struct {
	result any
	err    error
}

// ExecuteTask runs a pending task on its agent and returns the terminal
// task. Exactly one caller can move a task out of pending; every other
// caller gets ErrInvalidState and nothing happens. A failed task is
// returned together with its *task.Failure as the error.
func (c *Coordinator) ExecuteTask(ctx context.Context, id string, opts ...ExecOption) (task.Task, error) {
	t, err := c.tasks.Get(id)
	if err != nil {
		return task.Task{}, fmt.Errorf("%w: %s", err, id)
	}

	c.mu.RLock()
	a, ok := c.agents[t.AgentID]
	if !ok {
		c.mu.RUnlock()
		return t, fmt.Errorf("%w: %s", ErrUnknownAgent, t.AgentID)
	}
	t, err = c.tasks.Start(id)
	cfg := execConfig{timeout: c.timeout, serialize: c.serialize}
	c.mu.RUnlock()
	if err != nil {
		return t, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	c.persistTask(t)

	if a.Timeout > 0 {
		cfg.timeout = a.Timeout
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c.log.Info("executing task", "task", id, "agent", a.ID, "workflow", t.WorkflowID, "step", t.Step)
	result, failure := c.run(ctx, a, t, cfg)

	if failure != nil {
		t, err = c.tasks.Fail(id, failure)
	} else {
		t, err = c.tasks.Complete(id, result)
	}
	if err != nil {
		// Only this call owns the in-progress task, so this is a bug.
		c.log.Error("terminal transition rejected", "task", id, "error", err)
		return t, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	c.persistTask(t)
	c.notify(ctx, notify.TaskEvent(t))

	if failure != nil {
		c.log.Warn("task failed", "task", id, "agent", a.ID, "kind", failure.Kind, "error", failure.Message)
		return t, failure
	}
	c.log.Info("task completed", "task", id, "agent", a.ID, "duration", t.Duration())
	return t, nil
}

// run waits for the agent's lock, resolves the workspace and invokes the
// executor. The timeout starts once the lock is held. run returns at the
// latest when the deadline passes or ctx is done, but the lock stays held
// until the executor itself returns.
func (c *Coordinator) run(ctx context.Context, a agent.Agent, t task.Task, cfg execConfig) (any, *task.Failure) {
	unlock := func() {}
	if cfg.serialize {
		release, err := c.locks.Lock(ctx, a.ID)
		if err != nil {
			return nil, contextFailure(ctx, 0)
		}
		unlock = release
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
	}
	defer cancel()

	dir, err := c.ws.CreateWorkspace(a.ID, false)
	if err != nil {
		unlock()
		return nil, task.NewFailure(task.KindWorkspaceError, err)
	}

	req := agent.Request{
		TaskID:        t.ID,
		Description:   t.Description,
		Input:         t.Input,
		Dependencies:  cfg.deps,
		WorkflowID:    t.WorkflowID,
		Step:          t.Step,
		WorkspaceRoot: dir,
		Workspace:     c.ws.Handle(a.ID),
	}

	done := make(chan outcome, 1)
	go func() {
		defer unlock()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		res, err := a.Executor.Execute(execCtx, req)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.result, nil
		}
		if execCtx.Err() != nil {
			return nil, contextFailure(execCtx, cfg.timeout)
		}
		return nil, &task.Failure{
			Kind:    task.KindAgentError,
			Message: o.err.Error(),
			Cause:   fmt.Errorf("%w: %w", ErrAgentFailed, o.err),
		}
	case <-execCtx.Done():
		return nil, contextFailure(execCtx, cfg.timeout)
	}
}

func contextFailure(ctx context.Context, timeout time.Duration) *task.Failure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg := "execution timed out"
		if timeout > 0 {
			msg = fmt.Sprintf("execution timed out after %s", timeout)
		}
		return &task.Failure{
			Kind:    task.KindTimeout,
			Message: msg,
			Cause:   fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()),
		}
	}
	return &task.Failure{
		Kind:    task.KindCanceled,
		Message: "execution canceled",
		Cause:   ctx.Err(),
	}
}

// abandon fails a task that can no longer run because its agent is gone.
func (c *Coordinator) abandon(ctx context.Context, id string, cause error) (task.Task, *task.Failure) {
	failure := task.NewFailure(task.KindUnknownAgent, cause)
	if _, err := c.tasks.Start(id); err != nil {
		c.log.Error("abandon task", "task", id, "error", err)
	}
	t, err := c.tasks.Fail(id, failure)
	if err != nil {
		c.log.Error("abandon task", "task", id, "error", err)
		return t, failure
	}
	c.persistTask(t)
	c.notify(ctx, notify.TaskEvent(t))
	return t, failure
}
