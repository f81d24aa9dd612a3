package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mtzanidakis/foreman/internal/coordinator"
	"github.com/mtzanidakis/foreman/internal/notify"
	"github.com/mtzanidakis/foreman/internal/registry"
	"github.com/mtzanidakis/foreman/internal/task"
	"github.com/mtzanidakis/foreman/internal/workflow"
	"github.com/mtzanidakis/foreman/internal/workspace"
)

var (
	runFile     string
	runJSON     bool
	runParallel bool
)

var runCmd = &cobra.Command{
	Use:   "run [workflow]",
	Short: "Run a workflow once and print its summary",
	Long: `Run a configured workflow by name, or a workflow read from a YAML
file with -f, against the agents defined in the config file. The process
exits non-zero unless every step completed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorkflowCmd,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "workflow YAML file")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the summary as JSON")
	runCmd.Flags().BoolVar(&runParallel, "parallel", false, "run independent steps concurrently")
}

func runWorkflowCmd(cmd *cobra.Command, args []string) error {
	if (runFile == "") == (len(args) == 0) {
		return errors.New("give either a workflow name or -f <file>")
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ws, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("init workspaces: %w", err)
	}

	out := cmd.OutOrStdout()
	opts := coordinatorOptions(cfg.Coordinator)
	if !runJSON {
		opts = append(opts, coordinator.WithNotifier(notify.Func(func(_ context.Context, ev notify.Event) error {
			if ev.Task != nil {
				printTaskEvent(out, *ev.Task)
			}
			return nil
		})))
	}
	coord := coordinator.New(ws, opts...)

	reg := registry.New(coord, nil, cfg)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}

	var spec workflow.Spec
	if runFile != "" {
		spec, err = loadWorkflowFile(runFile)
		if err != nil {
			return err
		}
	} else {
		var ok bool
		spec, ok = reg.Workflow(args[0])
		if !ok {
			return fmt.Errorf("unknown workflow %q", args[0])
		}
	}
	if runParallel {
		spec.Parallel = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := coord.ExecuteWorkflow(ctx, spec)
	if sum.WorkflowID == "" {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
	} else {
		printSummary(out, sum)
	}

	if sum.Status != workflow.StatusCompleted {
		return fmt.Errorf("workflow %s", sum.Status)
	}
	return nil
}

func loadWorkflowFile(path string) (workflow.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workflow.Spec{}, fmt.Errorf("read workflow: %w", err)
	}
	var spec workflow.Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return workflow.Spec{}, fmt.Errorf("parse workflow: %w", err)
	}
	return spec, nil
}

func printTaskEvent(w io.Writer, t task.Task) {
	label := t.Step
	if label == "" {
		label = t.ID
	}
	switch t.State {
	case task.StateCompleted:
		fmt.Fprintf(w, "%s %s (%s) %s\n", color.GreenString("✓"), label, t.AgentID, formatDuration(t.Duration()))
	case task.StateFailed:
		fmt.Fprintf(w, "%s %s (%s) %s\n", color.RedString("✗"), label, t.AgentID, t.Error)
	}
}

func printSummary(w io.Writer, sum workflow.Summary) {
	name := sum.Name
	if name == "" {
		name = sum.WorkflowID
	}
	fmt.Fprintf(w, "\n%s %s\n", color.New(color.Bold).Sprint("Workflow"), name)

	for _, st := range sum.Steps {
		var mark, detail string
		switch st.State {
		case workflow.StepCompleted:
			mark = color.GreenString("✓")
		case workflow.StepFailed:
			mark = color.RedString("✗")
			if st.Error != nil {
				detail = st.Error.Error()
			}
		case workflow.StepSkipped:
			mark = color.YellowString("⊘")
			detail = st.SkipReason
		default:
			mark = color.CyanString("…")
		}
		line := fmt.Sprintf("  %s %-20s %-12s %s", mark, st.Name, st.AgentID, st.State)
		if detail != "" {
			line += ": " + detail
		}
		fmt.Fprintln(w, line)
	}

	status := string(sum.Status)
	switch sum.Status {
	case workflow.StatusCompleted:
		status = color.GreenString(status)
	case workflow.StatusFailed:
		status = color.RedString(status)
	default:
		status = color.YellowString(status)
	}
	fmt.Fprintf(w, "\n%s: %d completed, %d failed, %d skipped\n", status, sum.Completed, sum.Failed, sum.Skipped)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
