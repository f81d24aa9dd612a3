package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"time"

	"github.com/mtzanidakis/foreman/internal/agent"
	"github.com/mtzanidakis/foreman/internal/coordinator"
	"github.com/mtzanidakis/foreman/internal/schedule"
	"github.com/mtzanidakis/foreman/internal/scheduler"
	"github.com/mtzanidakis/foreman/internal/task"
	"github.com/mtzanidakis/foreman/internal/workflow"
	"github.com/mtzanidakis/foreman/internal/workspace"
)

const maxFileSize = 32 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.registerAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.unregisterAgent)

	// Workspaces
	mux.HandleFunc("GET /api/agents/{id}/files", s.listFiles)
	mux.HandleFunc("GET /api/agents/{id}/files/{path...}", s.readFile)
	mux.HandleFunc("PUT /api/agents/{id}/files/{path...}", s.writeFile)
	mux.HandleFunc("DELETE /api/agents/{id}/files/{path...}", s.deleteFile)
	mux.HandleFunc("GET /api/agents/{id}/snapshot", s.snapshotWorkspace)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/execute", s.executeTask)

	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("POST /api/workflows", s.executeWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.getWorkflow)
	mux.HandleFunc("GET /api/workflows/configured", s.listConfiguredWorkflows)
	mux.HandleFunc("POST /api/workflows/configured/{name}/run", s.runConfiguredWorkflow)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) agentToAPI(a agent.Agent) map[string]any {
	entry := map[string]any{
		"id":           a.ID,
		"name":         a.Name,
		"role":         a.Role,
		"description":  a.Description,
		"capabilities": a.Capabilities,
		"workspace":    a.Workspace,
	}
	if a.Timeout > 0 {
		entry["timeout"] = a.Timeout.String()
	}
	if s.registry != nil {
		if _, ok := s.registry.GetDefinition(a.ID); ok {
			entry["model"] = s.registry.ResolveModel(a.ID)
			entry["configured"] = true
		}
	}
	return entry
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.coord.Agents()
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, s.agentToAPI(a))
	}
	jsonResponse(w, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.coord.Agent(r.PathValue("id"))
	if !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, s.agentToAPI(a))
}

// registerAgent registers an ad-hoc shell agent. Configured agents come
// from the config file instead.
func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID           string            `json:"id"`
		Name         string            `json:"name"`
		Role         string            `json:"role"`
		Description  string            `json:"description"`
		Capabilities []string          `json:"capabilities"`
		Command      string            `json:"command"`
		Env          map[string]string `json:"env"`
		Timeout      string            `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.ID == "" || body.Command == "" {
		jsonError(w, "id and command are required", http.StatusBadRequest)
		return
	}

	var timeout time.Duration
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d < 0 {
			jsonError(w, fmt.Sprintf("invalid timeout %q", body.Timeout), http.StatusBadRequest)
			return
		}
		timeout = d
	}

	env := map[string]string{
		"FOREMAN_AGENT_ID": body.ID,
		"FOREMAN_ROLE":     body.Role,
	}
	maps.Copy(env, body.Env)

	a, err := s.coord.RegisterAgent(agent.Agent{
		ID:           body.ID,
		Name:         body.Name,
		Role:         agent.Role(body.Role),
		Description:  body.Description,
		Capabilities: body.Capabilities,
		Timeout:      timeout,
		Executor:     &agent.Shell{Command: body.Command, Env: env},
	})
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonStatus(w, http.StatusCreated, s.agentToAPI(a))
}

func (s *Server) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.UnregisterAgent(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	files := []string{}
	for rel, err := range s.coord.Workspaces().ListFiles(id, r.URL.Query().Get("pattern")) {
		if err != nil {
			jsonError(w, err.Error(), errorStatus(err))
			return
		}
		files = append(files, rel)
	}
	jsonResponse(w, files)
}

func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.coord.Workspaces().ReadFile(r.PathValue("id"), r.PathValue("path"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFileSize))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.coord.Workspaces().WriteFile(r.PathValue("id"), r.PathValue("path"), data); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]any{"status": "written", "size": len(data)})
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Workspaces().DeleteFile(r.PathValue("id"), r.PathValue("path")); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) snapshotWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.coord.Workspaces().AgentPath(id); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".tar.zst"))
	// Headers are already sent once the stream starts; a late failure
	// truncates the archive.
	_ = s.coord.Workspaces().Snapshot(id, w)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		AgentID:    q.Get("agent"),
		State:      task.State(q.Get("state")),
		WorkflowID: q.Get("workflow"),
	}
	if f.State != "" && !f.State.Valid() {
		jsonError(w, fmt.Sprintf("invalid state %q", f.State), http.StatusBadRequest)
		return
	}

	if q.Get("history") != "" && s.store != nil {
		tasks, err := s.store.ListTasks(f, 200)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, nonNil(tasks))
		return
	}
	jsonResponse(w, nonNil(s.coord.ListTasks(f)))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID     string `json:"agent_id"`
		Description string `json:"description"`
		Input       any    `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.AgentID == "" {
		jsonError(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	id, err := s.coord.CreateTask(body.AgentID, body.Description, body.Input)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	t, _ := s.coord.GetTaskStatus(id)
	jsonStatus(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.coord.GetTaskStatus(id)
	if err == nil {
		jsonResponse(w, t)
		return
	}
	if s.store != nil {
		stored, serr := s.store.GetTask(id)
		if serr != nil {
			jsonError(w, serr.Error(), http.StatusInternalServerError)
			return
		}
		if stored != nil {
			jsonResponse(w, stored)
			return
		}
	}
	jsonError(w, err.Error(), errorStatus(err))
}

// executeTask runs a pending task and responds once it has finished.
// Closing the connection cancels the execution.
func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Timeout string `json:"timeout"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var opts []coordinator.ExecOption
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d <= 0 {
			jsonError(w, fmt.Sprintf("invalid timeout %q", body.Timeout), http.StatusBadRequest)
			return
		}
		opts = append(opts, coordinator.WithExecTimeout(d))
	}

	t, err := s.coord.ExecuteTask(r.Context(), r.PathValue("id"), opts...)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, t)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	live := s.coord.Workflows()
	if s.store == nil {
		jsonResponse(w, nonNil(live))
		return
	}

	stored, err := s.store.ListWorkflowRuns(100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	seen := make(map[string]bool, len(live))
	for _, sum := range live {
		seen[sum.WorkflowID] = true
	}
	out := live
	for _, sum := range stored {
		if !seen[sum.WorkflowID] {
			out = append(out, sum)
		}
	}
	jsonResponse(w, nonNil(out))
}

// workflowResponse carries the summary of a finished run together with
// the error, if any, that ended it.
type workflowResponse struct {
	Summary workflow.Summary `json:"summary"`
	Error   string           `json:"error,omitempty"`
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec workflow.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sum, err := s.coord.ExecuteWorkflow(r.Context(), spec)
	s.respondWorkflow(w, sum, err)
}

func (s *Server) respondWorkflow(w http.ResponseWriter, sum workflow.Summary, err error) {
	if sum.WorkflowID == "" {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	resp := workflowResponse{Summary: sum}
	if err != nil {
		resp.Error = err.Error()
	}
	jsonResponse(w, resp)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	sum, err := s.coord.GetWorkflowSummary(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, sum)
}

func (s *Server) listConfiguredWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		jsonResponse(w, []string{})
		return
	}
	jsonResponse(w, nonNil(s.registry.WorkflowNames()))
}

func (s *Server) runConfiguredWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	switch {
	case s.scheduler != nil:
		sum, err := s.scheduler.Trigger(r.Context(), name)
		s.respondWorkflow(w, sum, err)
	case s.registry != nil:
		spec, ok := s.registry.Workflow(name)
		if !ok {
			jsonError(w, "workflow not found", http.StatusNotFound)
			return
		}
		sum, err := s.coord.ExecuteWorkflow(r.Context(), spec)
		s.respondWorkflow(w, sum, err)
	default:
		jsonError(w, "workflow not found", http.StatusNotFound)
	}
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []any{})
		return
	}
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(schedules))
	for _, sc := range schedules {
		entry := map[string]any{
			"name":        sc.Name,
			"workflow":    sc.Workflow,
			"schedule":    schedule.FormatSchedule(sc.Schedule),
			"status":      sc.Status,
			"last_status": sc.LastStatus,
			"last_error":  sc.LastError,
			"last_run_id": sc.LastRunID,
			"next_run_at": sc.NextRunAt,
			"last_run_at": sc.LastRunAt,
			"created_at":  sc.CreatedAt,
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	ov := s.coord.Overview()
	status := map[string]any{
		"version":     s.version,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"total_tasks": ov.TotalTasks,
		"agents":      nonNil(ov.Agents),
		"by_state":    ov.ByState,
		"workflows":   ov.Workflows,
		"nats":        s.bus != nil,
		"store":       s.store != nil,
	}
	jsonResponse(w, status)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownAgent),
		errors.Is(err, coordinator.ErrTaskNotFound),
		errors.Is(err, coordinator.ErrWorkflowNotFound),
		errors.Is(err, scheduler.ErrUnknownWorkflow),
		errors.Is(err, workspace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrDuplicateAgent),
		errors.Is(err, coordinator.ErrAgentBusy),
		errors.Is(err, coordinator.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrMalformedWorkflow),
		errors.Is(err, workspace.ErrPathTraversal),
		errors.Is(err, workspace.ErrInvalidAgentID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
