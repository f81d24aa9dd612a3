package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/schedule"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// ErrUnknownWorkflow is returned when a trigger names a workflow that is
// not configured.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// Runner executes a workflow to completion.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, spec workflow.Spec) (workflow.Summary, error)
}

// Workflows resolves configured workflows by name.
type Workflows interface {
	Workflow(name string) (workflow.Spec, bool)
}

// Scheduler runs configured workflows on their schedules and on request
// over NATS.
type Scheduler struct {
	store      *store.Store
	runner     Runner
	workflows  Workflows
	natsClient *natsbus.Client

	mu           sync.Mutex
	pollInterval time.Duration
	running      map[string]bool
	reloadCh     chan struct{}
	wg           sync.WaitGroup
}

func New(s *store.Store, r Runner, w Workflows, bus *natsbus.Bus, cfg config.SchedulerConfig) *Scheduler {
	sched := &Scheduler{
		store:        s,
		runner:       r,
		workflows:    w,
		pollInterval: cfg.PollInterval,
		running:      make(map[string]bool),
		reloadCh:     make(chan struct{}, 1),
	}

	if bus != nil {
		client, err := natsbus.NewClient(bus, "scheduler")
		if err != nil {
			slog.Error("scheduler nats client failed", "error", err)
		} else {
			sched.natsClient = client
		}
	}

	return sched
}

// Sync stores the configured schedules and drops the ones no longer
// configured. Run history of unchanged schedules is kept.
func (s *Scheduler) Sync(defs map[string]config.ScheduleDefinition) error {
	now := time.Now().UTC()
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		def := defs[name]
		sc, err := schedule.FromDefinition(def)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", name, err))
			continue
		}
		status := StatusActive
		if def.Disabled {
			status = StatusPaused
		}
		raw := sc.JSON()
		err = s.store.SaveSchedule(&store.Schedule{
			Name:      name,
			Workflow:  def.Workflow,
			Schedule:  raw,
			Status:    status,
			NextRunAt: schedule.CalculateNextRun(raw, now),
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.store.DeleteSchedulesNotIn(slices.Collect(maps.Keys(defs))); err != nil {
		errs = append(errs, fmt.Errorf("delete stale schedules: %w", err))
	}
	slog.Info("schedules synced", "count", len(defs))
	return errors.Join(errs...)
}

// UpdateConfig updates the poll interval, then signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return 30 * time.Second
	}
	return s.pollInterval
}

// Start polls for due schedules until ctx is done, then waits for the runs
// it started.
func (s *Scheduler) Start(ctx context.Context) {
	defer s.wg.Wait()

	if s.natsClient != nil {
		sub, err := s.natsClient.HandleWorkflowRuns(func(req natsbus.RunRequest) {
			s.handleTrigger(ctx, req)
		})
		if err != nil {
			slog.Error("subscribe to workflow triggers failed", "error", err)
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Close releases the NATS connection. Call it after Start has returned.
func (s *Scheduler) Close() {
	if s.natsClient != nil {
		s.natsClient.Close()
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(time.Now().UTC())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sc := range due {
		if !s.claim(sc.Name) {
			slog.Debug("schedule still running, skipping", "name", sc.Name)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(sc.Name)
			s.execute(ctx, sc)
		}()
	}
}

func (s *Scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

func (s *Scheduler) execute(ctx context.Context, sc store.Schedule) {
	slog.Info("executing scheduled workflow", "schedule", sc.Name, "workflow", sc.Workflow)

	sum, err := s.Trigger(ctx, sc.Workflow)

	lastStatus := string(sum.Status)
	if lastStatus == "" {
		lastStatus = "error"
	}
	var lastError string
	if err != nil {
		lastError = err.Error()
		slog.Error("scheduled workflow failed", "schedule", sc.Name, "workflow", sc.Workflow, "error", err)
	}

	nextRun := schedule.CalculateNextRun(sc.Schedule, time.Now().UTC())
	if err := s.store.UpdateScheduleRun(sc.Name, lastStatus, lastError, sum.WorkflowID, nextRun); err != nil {
		slog.Error("failed to update schedule run", "schedule", sc.Name, "error", err)
	}

	s.publishScheduleEvent(sc, lastStatus, sum.WorkflowID)
}

// Trigger runs a configured workflow by name and waits for it to finish.
func (s *Scheduler) Trigger(ctx context.Context, name string) (workflow.Summary, error) {
	spec, ok := s.workflows.Workflow(name)
	if !ok {
		return workflow.Summary{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return s.runner.ExecuteWorkflow(ctx, spec)
}

// TriggerReply is the response to a workflow run request over NATS.
type TriggerReply struct {
	Summary *workflow.Summary `json:"summary,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (s *Scheduler) handleTrigger(ctx context.Context, req natsbus.RunRequest) {
	name := req.Workflow

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		slog.Info("workflow triggered over nats", "workflow", name)

		sum, err := s.Trigger(ctx, name)
		reply := TriggerReply{}
		if sum.WorkflowID != "" {
			reply.Summary = &sum
		}
		if err != nil {
			reply.Error = err.Error()
		}
		if err := req.Reply(reply); err != nil {
			slog.Warn("trigger reply failed", "workflow", name, "error", err)
		}
	}()
}

func (s *Scheduler) publishScheduleEvent(sc store.Schedule, status, runID string) {
	if s.natsClient == nil {
		return
	}

	event := map[string]any{
		"type":      "schedule_executed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"name":        sc.Name,
			"workflow":    sc.Workflow,
			"workflow_id": runID,
			"status":      status,
		},
	}

	if err := s.natsClient.PublishJSON(natsbus.TopicEventsSchedule(sc.Name), event); err != nil {
		slog.Warn("publish schedule event failed", "schedule", sc.Name, "error", err)
	}
}
