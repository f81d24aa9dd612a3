package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtzanidakis/foreman/internal/agent"
	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/coordinator"
	"github.com/mtzanidakis/foreman/internal/task"
	"github.com/mtzanidakis/foreman/internal/workflow"
	"github.com/mtzanidakis/foreman/internal/workspace"
)

func newTestServer(t *testing.T, cfg config.WebConfig) (*httptest.Server, *coordinator.Coordinator) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("create workspace manager: %v", err)
	}
	c := coordinator.New(ws)
	srv := httptest.NewServer(NewServer(c, nil, nil, nil, nil, cfg, "test").Handler())
	t.Cleanup(srv.Close)
	return srv, c
}

func upper() agent.Executor {
	return agent.ExecutorFunc(func(_ context.Context, req agent.Request) (any, error) {
		s, _ := req.Input.(string)
		return strings.ToUpper(s), nil
	})
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestAgentsAPI(t *testing.T) {
	srv, c := newTestServer(t, config.WebConfig{})

	resp, body := doJSON(t, "POST", srv.URL+"/api/agents", map[string]any{
		"id": "coder", "role": "coding", "command": "cat", "timeout": "30s",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	if _, ok := c.Agent("coder"); !ok {
		t.Fatal("expected agent to be registered")
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/agents", map[string]any{"id": "coder", "command": "cat"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/agents", map[string]any{"id": "nocmd"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without command, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, "GET", srv.URL+"/api/agents", nil)
	var agents []map[string]any
	if err := json.Unmarshal(body, &agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 1 || agents[0]["id"] != "coder" || agents[0]["timeout"] != "30s" {
		t.Errorf("unexpected agents %v", agents)
	}

	resp, _ = doJSON(t, "DELETE", srv.URL+"/api/agents/coder", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, "DELETE", srv.URL+"/api/agents/coder", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", resp.StatusCode)
	}
}

func TestTaskLifecycleAPI(t *testing.T) {
	srv, c := newTestServer(t, config.WebConfig{})
	if _, err := c.RegisterAgent(agent.Agent{ID: "coder", Executor: upper()}); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, "POST", srv.URL+"/api/tasks", map[string]any{
		"agent_id": "coder", "description": "shout", "input": "hello",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var created task.Task
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if created.State != task.StatePending {
		t.Errorf("expected pending, got %s", created.State)
	}

	resp, body = doJSON(t, "POST", srv.URL+"/api/tasks/"+created.ID+"/execute", map[string]any{"timeout": "5s"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var done task.Task
	if err := json.Unmarshal(body, &done); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if done.State != task.StateCompleted || done.Result != "HELLO" {
		t.Errorf("expected completed with HELLO, got %s %v", done.State, done.Result)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/tasks/"+created.ID+"/execute", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on re-execute, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "GET", srv.URL+"/api/tasks/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/tasks", map[string]any{"agent_id": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", resp.StatusCode)
	}

	_, body = doJSON(t, "GET", srv.URL+"/api/tasks?state=completed", nil)
	var list []task.Task
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 completed task, got %d", len(list))
	}

	resp, _ = doJSON(t, "GET", srv.URL+"/api/tasks?state=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid state, got %d", resp.StatusCode)
	}
}

func TestFilesAPI(t *testing.T) {
	srv, c := newTestServer(t, config.WebConfig{})
	if _, err := c.RegisterAgent(agent.Agent{ID: "coder", Executor: upper()}); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest("PUT", srv.URL+"/api/agents/coder/files/src/main.go", strings.NewReader("package main\n"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on write, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, "GET", srv.URL+"/api/agents/coder/files/src/main.go", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "package main\n" {
		t.Errorf("unexpected read %d %q", resp.StatusCode, body)
	}

	_, body = doJSON(t, "GET", srv.URL+"/api/agents/coder/files?pattern=*.go", nil)
	var files []string
	if err := json.Unmarshal(body, &files); err != nil {
		t.Fatalf("decode files: %v", err)
	}
	if len(files) != 1 || files[0] != "src/main.go" {
		t.Errorf("expected [src/main.go], got %v", files)
	}

	resp, _ = doJSON(t, "DELETE", srv.URL+"/api/agents/coder/files/src/main.go", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, "GET", srv.URL+"/api/agents/coder/files/src/main.go", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestWorkflowAPI(t *testing.T) {
	srv, c := newTestServer(t, config.WebConfig{})
	if _, err := c.RegisterAgent(agent.Agent{ID: "coder", Executor: upper()}); err != nil {
		t.Fatal(err)
	}

	spec := workflow.Spec{
		ID: "wf-1",
		Steps: []workflow.Step{
			{Name: "first", AgentID: "coder", Input: "a"},
			{Name: "second", AgentID: "coder", Input: "${steps.first}b"},
		},
	}
	resp, body := doJSON(t, "POST", srv.URL+"/api/workflows", spec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out workflowResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Summary.Status != workflow.StatusCompleted || out.Summary.Completed != 2 {
		t.Errorf("expected 2 completed steps, got %+v", out.Summary)
	}

	resp, body = doJSON(t, "GET", srv.URL+"/api/workflows/wf-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, "GET", srv.URL+"/api/workflows/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	bad := workflow.Spec{Steps: []workflow.Step{
		{Name: "a", AgentID: "coder", DependsOn: []string{"later"}},
		{Name: "later", AgentID: "coder"},
	}}
	resp, _ = doJSON(t, "POST", srv.URL+"/api/workflows", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed workflow, got %d", resp.StatusCode)
	}
}

func TestStatusAPI(t *testing.T) {
	srv, c := newTestServer(t, config.WebConfig{})
	if _, err := c.RegisterAgent(agent.Agent{ID: "coder", Executor: upper()}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateTask("coder", "", nil); err != nil {
		t.Fatal(err)
	}

	_, body := doJSON(t, "GET", srv.URL+"/api/status", nil)
	var status struct {
		Version    string         `json:"version"`
		TotalTasks int            `json:"total_tasks"`
		Agents     []string       `json:"agents"`
		ByState    map[string]int `json:"by_state"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Version != "test" || status.TotalTasks != 1 || len(status.Agents) != 1 {
		t.Errorf("unexpected status %+v", status)
	}
	if status.ByState["pending"] != 1 {
		t.Errorf("expected 1 pending, got %v", status.ByState)
	}
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t, config.WebConfig{Auth: "s3cret"})

	resp, _ := doJSON(t, "GET", srv.URL+"/api/status", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", srv.URL+"/api/status", nil)
	req.SetBasicAuth("", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with basic auth, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/login", map[string]string{"password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong password, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", srv.URL+"/api/login", map[string]string{"password": "s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on login, got %d", resp.StatusCode)
	}
	var session *http.Cookie
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookieName {
			session = ck
		}
	}
	if session == nil {
		t.Fatal("expected session cookie")
	}

	req, _ = http.NewRequest("GET", srv.URL+"/api/status", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with session, got %d", resp.StatusCode)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent("events.task.t1", []byte(`{"type":"task.completed","task_id":"t1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "task.completed" || ev.Topic != "events.task.t1" {
		t.Errorf("unexpected event %+v", ev)
	}

	if _, err := decodeEvent("events.task.t1", []byte("not json")); err == nil {
		t.Error("expected error for invalid payload")
	}
}
