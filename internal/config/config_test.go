package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Workspace.Root != "workspace" {
		t.Errorf("expected default workspace root 'workspace', got %s", cfg.Workspace.Root)
	}
	if cfg.Coordinator.ExecTimeout != 10*time.Minute {
		t.Errorf("expected exec_timeout 10m, got %v", cfg.Coordinator.ExecTimeout)
	}
	if !cfg.Coordinator.SerializeAgents {
		t.Error("expected serialize_agents enabled by default")
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if cfg.Store.Path != "data/foreman.db" {
		t.Errorf("expected store path data/foreman.db, got %s", cfg.Store.Path)
	}
	if cfg.Notify.Backend != "nats" {
		t.Errorf("expected notify backend nats, got %s", cfg.Notify.Backend)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("FOREMAN_WORKSPACE_ROOT", "/srv/ws")
	t.Setenv("FOREMAN_MODEL", "model-x")
	t.Setenv("FOREMAN_EXEC_TIMEOUT", "90s")
	t.Setenv("FOREMAN_WEB_PORT", "9090")
	t.Setenv("FOREMAN_NOTIFY", "none")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Workspace.Root != "/srv/ws" {
		t.Errorf("expected workspace root /srv/ws, got %s", cfg.Workspace.Root)
	}
	if cfg.Defaults.Model != "model-x" {
		t.Errorf("expected model model-x, got %s", cfg.Defaults.Model)
	}
	if cfg.Coordinator.ExecTimeout != 90*time.Second {
		t.Errorf("expected exec timeout 90s, got %v", cfg.Coordinator.ExecTimeout)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Notify.Backend != "none" {
		t.Errorf("expected notify none, got %s", cfg.Notify.Backend)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
workspace:
  root: "/data/agents"
coordinator:
  exec_timeout: 2m
  serialize_agents: false
agents:
  planner:
    role: planning
    command: "cat"
  coder:
    role: coding
    capabilities: [write_file, read_file]
    command: "${CODER_CMD}"
workflows:
  build:
    policy: continue
    steps:
      - name: plan
        agent: planner
        input: "write fib(n)"
      - name: code
        agent: coder
        depends_on: [plan]
        input: "${steps.plan}"
schedules:
  nightly:
    workflow: build
    cron: "0 3 * * *"
web:
  port: 3000
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FOREMAN_CONFIG", cfgPath)
	t.Setenv("FOREMAN_WORKSPACE_ROOT", "")
	t.Setenv("CODER_CMD", "make build")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Workspace.Root != "/data/agents" {
		t.Errorf("expected /data/agents, got %s", cfg.Workspace.Root)
	}
	if cfg.Coordinator.ExecTimeout != 2*time.Minute {
		t.Errorf("expected exec timeout 2m, got %v", cfg.Coordinator.ExecTimeout)
	}
	if cfg.Coordinator.SerializeAgents {
		t.Error("expected serialize_agents disabled")
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}
	if cfg.Agents["coder"].Command != "make build" {
		t.Errorf("expected expanded command 'make build', got %q", cfg.Agents["coder"].Command)
	}
	if len(cfg.Agents["coder"].Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %v", cfg.Agents["coder"].Capabilities)
	}
	wf := cfg.Workflows["build"]
	if wf.Policy != "continue" || len(wf.Steps) != 2 {
		t.Fatalf("unexpected workflow: %+v", wf)
	}
	if wf.Steps[1].DependsOn[0] != "plan" {
		t.Errorf("expected code to depend on plan, got %v", wf.Steps[1].DependsOn)
	}
	if cfg.Schedules["nightly"].Cron != "0 3 * * *" {
		t.Errorf("unexpected schedule: %+v", cfg.Schedules["nightly"])
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
}

func TestLoadRejectsUnknownAgentInWorkflow(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
workflows:
  broken:
    steps:
      - name: a
        agent: ghost
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(cfgPath)
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("expected error to name the agent, got %v", err)
	}
}

func TestLoadRejectsScheduleWithoutTrigger(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
agents:
  a:
    command: "true"
workflows:
  wf:
    steps:
      - name: s
        agent: a
schedules:
  never:
    workflow: wf
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(cfgPath); err == nil {
		t.Fatal("expected error for schedule without cron or interval")
	}
}

func TestExpandKeepsStepReferences(t *testing.T) {
	t.Setenv("HOME_DIR", "/home/x")
	got := os.Expand("${HOME_DIR}/${steps.plan}", expandEnv)
	if got != "/home/x/${steps.plan}" {
		t.Errorf("unexpected expansion: %q", got)
	}
}
