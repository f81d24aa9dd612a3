package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []workflow.Spec
	err  error
}

func (f *fakeRunner) ExecuteWorkflow(_ context.Context, spec workflow.Spec) (workflow.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, spec)
	sum := workflow.Summary{WorkflowID: "run-" + spec.Name, Name: spec.Name, Status: workflow.StatusCompleted}
	if f.err != nil {
		sum.Status = workflow.StatusFailed
	}
	return sum, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeWorkflows map[string]workflow.Spec

func (f fakeWorkflows) Workflow(name string) (workflow.Spec, bool) {
	spec, ok := f[name]
	return spec, ok
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestScheduler(t *testing.T, bus *natsbus.Bus) (*Scheduler, *store.Store, *fakeRunner) {
	t.Helper()
	st := newTestStore(t)
	runner := &fakeRunner{}
	wfs := fakeWorkflows{
		"build": {Name: "build", Steps: []workflow.Step{{Name: "plan", AgentID: "planner"}}},
	}
	s := New(st, runner, wfs, bus, config.SchedulerConfig{PollInterval: time.Hour})
	t.Cleanup(s.Close)
	return s, st, runner
}

func TestSync(t *testing.T) {
	s, st, _ := newTestScheduler(t, nil)

	err := s.Sync(map[string]config.ScheduleDefinition{
		"nightly": {Workflow: "build", Cron: "0 2 * * *"},
		"often":   {Workflow: "build", Interval: time.Minute, Disabled: true},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	list, err := st.ListSchedules()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(list))
	}
	for _, sc := range list {
		if sc.NextRunAt == nil {
			t.Errorf("expected next run for %s", sc.Name)
		}
	}

	often, _ := st.GetSchedule("often")
	if often.Status != StatusPaused {
		t.Errorf("expected paused, got %s", often.Status)
	}
	nightly, _ := st.GetSchedule("nightly")
	if nightly.Status != StatusActive {
		t.Errorf("expected active, got %s", nightly.Status)
	}

	if err := s.Sync(map[string]config.ScheduleDefinition{
		"nightly": {Workflow: "build", Cron: "0 2 * * *"},
	}); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if sc, _ := st.GetSchedule("often"); sc != nil {
		t.Error("expected stale schedule to be deleted")
	}
}

func TestSyncReportsInvalid(t *testing.T) {
	s, st, _ := newTestScheduler(t, nil)

	err := s.Sync(map[string]config.ScheduleDefinition{
		"broken": {Workflow: "build", Cron: "every tuesday"},
		"ok":     {Workflow: "build", Interval: time.Minute},
	})
	if err == nil {
		t.Fatal("expected error for invalid cron")
	}
	if sc, _ := st.GetSchedule("ok"); sc == nil {
		t.Error("expected valid schedule to be stored")
	}
	if sc, _ := st.GetSchedule("broken"); sc != nil {
		t.Error("expected invalid schedule to be skipped")
	}
}

func TestPollRunsDueSchedules(t *testing.T) {
	s, st, runner := newTestScheduler(t, nil)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	_ = st.SaveSchedule(&store.Schedule{
		Name: "due", Workflow: "build", Schedule: `{"kind":"interval","interval_ms":60000}`,
		Status: StatusActive, NextRunAt: &past,
	})
	_ = st.SaveSchedule(&store.Schedule{
		Name: "later", Workflow: "build", Schedule: `{"kind":"interval","interval_ms":60000}`,
		Status: StatusActive, NextRunAt: &future,
	})
	_ = st.SaveSchedule(&store.Schedule{
		Name: "paused", Workflow: "build", Schedule: `{"kind":"interval","interval_ms":60000}`,
		Status: StatusPaused, NextRunAt: &past,
	})

	s.poll(context.Background())
	s.wg.Wait()

	if runner.count() != 1 {
		t.Fatalf("expected 1 run, got %d", runner.count())
	}

	sc, err := st.GetSchedule("due")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sc.LastStatus != string(workflow.StatusCompleted) {
		t.Errorf("expected last status completed, got %q", sc.LastStatus)
	}
	if sc.LastRunID != "run-build" {
		t.Errorf("expected last run id run-build, got %q", sc.LastRunID)
	}
	if sc.NextRunAt == nil || !sc.NextRunAt.After(past) {
		t.Errorf("expected next run to move forward, got %v", sc.NextRunAt)
	}
}

func TestPollRecordsFailure(t *testing.T) {
	s, st, runner := newTestScheduler(t, nil)
	runner.err = errors.New("step plan failed")

	past := time.Now().UTC().Add(-time.Minute)
	_ = st.SaveSchedule(&store.Schedule{
		Name: "due", Workflow: "build", Schedule: `{"kind":"cron","cron_expr":"* * * * *"}`,
		Status: StatusActive, NextRunAt: &past,
	})

	s.poll(context.Background())
	s.wg.Wait()

	sc, _ := st.GetSchedule("due")
	if sc.LastStatus != string(workflow.StatusFailed) {
		t.Errorf("expected last status failed, got %q", sc.LastStatus)
	}
	if sc.LastError != "step plan failed" {
		t.Errorf("expected last error recorded, got %q", sc.LastError)
	}
}

func TestTriggerUnknownWorkflow(t *testing.T) {
	s, _, runner := newTestScheduler(t, nil)

	_, err := s.Trigger(context.Background(), "deploy")
	if !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("expected ErrUnknownWorkflow, got %v", err)
	}
	if runner.count() != 0 {
		t.Errorf("expected no runs, got %d", runner.count())
	}
}

func TestTriggerOverNATS(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(bus.Close)

	s, _, runner := newTestScheduler(t, bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := natsbus.NewClient(bus, "test")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	var reply TriggerReply
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := client.RequestWorkflowRun("build", time.Second, &reply)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if reply.Error != "" {
		t.Errorf("unexpected error %q", reply.Error)
	}
	if reply.Summary == nil || reply.Summary.Status != workflow.StatusCompleted {
		t.Errorf("expected completed summary, got %+v", reply.Summary)
	}
	if runner.count() != 1 {
		t.Errorf("expected 1 run, got %d", runner.count())
	}
}
