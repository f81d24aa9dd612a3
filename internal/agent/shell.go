package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"
)

// Shell runs a command through the shell inside the task's workspace. The
// task input is written to stdin (strings and byte slices verbatim,
// everything else as JSON) and trimmed stdout becomes the result.
type Shell struct {
	Command string
	Shell   string
	Env     map[string]string
}

func (s *Shell) Execute(ctx context.Context, req Request) (any, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	stdin, err := encodeInput(req.Input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	cmd := exec.CommandContext(ctx, shell, "-c", s.Command)
	cmd.Dir = req.WorkspaceRoot
	cmd.Env = append(os.Environ(), s.environ(req)...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("running shell agent", "task", req.TaskID, "dir", req.WorkspaceRoot)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, truncate(msg, 500))
		}
		return nil, err
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

func (s *Shell) environ(req Request) []string {
	env := []string{
		"FOREMAN_TASK_ID=" + req.TaskID,
		"FOREMAN_DESCRIPTION=" + req.Description,
		"FOREMAN_WORKSPACE=" + req.WorkspaceRoot,
	}
	if req.WorkflowID != "" {
		env = append(env, "FOREMAN_WORKFLOW_ID="+req.WorkflowID, "FOREMAN_STEP="+req.Step)
	}
	if len(req.Dependencies) > 0 {
		if deps, err := json.Marshal(req.Dependencies); err == nil {
			env = append(env, "FOREMAN_DEPENDENCIES="+string(deps))
		}
	}
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

func encodeInput(input any) ([]byte, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
