package agent

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestShellEchoesInput(t *testing.T) {
	s := &Shell{Command: "cat"}
	out, err := s.Execute(context.Background(), Request{TaskID: "t1", Input: "hello", WorkspaceRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("expected hello, got %v", out)
	}
}

func TestShellEncodesStructuredInput(t *testing.T) {
	s := &Shell{Command: "cat"}
	out, err := s.Execute(context.Background(), Request{Input: map[string]any{"n": 10}, WorkspaceRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != `{"n":10}` {
		t.Errorf("expected JSON input, got %v", out)
	}
}

func TestShellRunsInWorkspace(t *testing.T) {
	dir := t.TempDir()
	s := &Shell{Command: `echo "$FOREMAN_TASK_ID $GREETING" > out.txt && cat out.txt`, Env: map[string]string{"GREETING": "hi"}}
	out, err := s.Execute(context.Background(), Request{TaskID: "t42", WorkspaceRoot: dir})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "t42 hi" {
		t.Errorf("expected 't42 hi', got %v", out)
	}
}

func TestShellFailureIncludesStderr(t *testing.T) {
	s := &Shell{Command: "echo boom >&2; exit 3"}
	_, err := s.Execute(context.Background(), Request{WorkspaceRoot: t.TempDir()})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestShellHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	s := &Shell{Command: "sleep 5"}
	start := time.Now()
	_, err := s.Execute(ctx, Request{WorkspaceRoot: t.TempDir()})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 4*time.Second {
		t.Error("expected shell to stop on context deadline")
	}
}

func TestExecutorFunc(t *testing.T) {
	var e Executor = ExecutorFunc(func(_ context.Context, req Request) (any, error) {
		return strings.ToUpper(req.Description), nil
	})
	out, err := e.Execute(context.Background(), Request{Description: "plan"})
	if err != nil || out != "PLAN" {
		t.Errorf("expected PLAN, got %v (%v)", out, err)
	}
}

func TestAgentValidate(t *testing.T) {
	if err := (Agent{}).Validate(); err == nil {
		t.Error("expected error for empty id")
	}
	if err := (Agent{ID: "coder"}).Validate(); err == nil {
		t.Error("expected error for missing executor")
	}
	a := Agent{ID: "coder", Executor: &Shell{Command: "true"}, Capabilities: []string{"go"}}
	if err := a.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !a.HasCapability("go") || a.HasCapability("rust") {
		t.Error("unexpected capability match")
	}
}
