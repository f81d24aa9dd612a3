package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry()
	created := r.Create("coder", "write fib", map[string]any{"n": 10})

	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if created.State != StatePending {
		t.Errorf("expected pending, got %s", created.State)
	}
	if created.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	got, err := r.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AgentID != "coder" || got.Description != "write fib" {
		t.Errorf("unexpected task %+v", got)
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	r := NewRegistry()
	tk := r.Create("coder", "x", nil)

	started, err := r.Start(tk.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.State != StateInProgress || started.StartedAt.IsZero() {
		t.Errorf("unexpected started task %+v", started)
	}

	done, err := r.Complete(tk.ID, "ok")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.State != StateCompleted || done.Result != "ok" || done.Error != nil {
		t.Errorf("unexpected completed task %+v", done)
	}
	if done.FinishedAt.Before(done.StartedAt) {
		t.Error("expected FinishedAt after StartedAt")
	}
}

func TestTerminalStatesNeverTransition(t *testing.T) {
	r := NewRegistry()
	tk := r.Create("coder", "x", nil)
	_, _ = r.Start(tk.ID)
	_, _ = r.Fail(tk.ID, NewFailure(KindAgentError, errors.New("boom")))

	if _, err := r.Start(tk.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected invalid transition on restart, got %v", err)
	}
	if _, err := r.Complete(tk.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected invalid transition on complete, got %v", err)
	}

	got, _ := r.Get(tk.ID)
	if got.State != StateFailed || got.Result != nil {
		t.Errorf("expected failed task without result, got %+v", got)
	}
	if got.Error == nil || got.Error.Kind != KindAgentError {
		t.Errorf("expected agent error, got %+v", got.Error)
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	r := NewRegistry()
	tk := r.Create("coder", "x", nil)

	_, err := r.Complete(tk.ID, "ok")
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.Actual != StatePending {
		t.Errorf("expected actual pending, got %s", te.Actual)
	}
}

func TestStartExactlyOnce(t *testing.T) {
	r := NewRegistry()
	tk := r.Create("coder", "x", nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Start(tk.ID); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestListFilters(t *testing.T) {
	r := NewRegistry()
	a := r.Create("coder", "a", nil)
	r.Create("tester", "b", nil)
	c := r.Create("coder", "c", nil, InWorkflow("wf-1", "build"))
	_, _ = r.Start(a.ID)

	if all := r.List(Filter{}); len(all) != 3 || all[0].ID != a.ID {
		t.Fatalf("expected 3 tasks in creation order, got %+v", all)
	}
	if coder := r.List(Filter{AgentID: "coder"}); len(coder) != 2 {
		t.Errorf("expected 2 coder tasks, got %d", len(coder))
	}
	if pending := r.List(Filter{State: StatePending}); len(pending) != 2 {
		t.Errorf("expected 2 pending tasks, got %d", len(pending))
	}
	wf := r.List(Filter{WorkflowID: "wf-1"})
	if len(wf) != 1 || wf[0].ID != c.ID || wf[0].Step != "build" {
		t.Errorf("unexpected workflow tasks %+v", wf)
	}
}

func TestCounts(t *testing.T) {
	r := NewRegistry()
	a := r.Create("coder", "a", nil)
	b := r.Create("coder", "b", nil)
	r.Create("tester", "c", nil)
	_, _ = r.Start(a.ID)
	_, _ = r.Start(b.ID)
	_, _ = r.Complete(b.ID, nil)

	counts := r.CountByState()
	if counts[StatePending] != 1 || counts[StateInProgress] != 1 || counts[StateCompleted] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
	if sub := r.CountByState(a.ID, a.ID, b.ID); sub[StateInProgress] != 1 || sub[StateCompleted] != 1 {
		t.Errorf("unexpected subset counts %v", sub)
	}
	if n := r.InProgress("coder"); n != 1 {
		t.Errorf("expected 1 in progress, got %d", n)
	}
	if n := r.InProgress("tester"); n != 0 {
		t.Errorf("expected 0 in progress, got %d", n)
	}
}

func TestFailureUnwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	f := NewFailure(KindTimeout, sentinel)
	if !errors.Is(f, sentinel) {
		t.Error("expected failure to unwrap to its cause")
	}
	if f.Message != "sentinel" {
		t.Errorf("expected message from cause, got %q", f.Message)
	}
}
