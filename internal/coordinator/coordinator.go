package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/foreman/internal/agent"
	"github.com/mtzanidakis/foreman/internal/notify"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/task"
	"github.com/mtzanidakis/foreman/internal/workflow"
	"github.com/mtzanidakis/foreman/internal/workspace"
)

const notifyTimeout = 10 * time.Second

// Coordinator binds tasks to agents, runs them against the agent's
// workspace and sequences workflows. It is safe for concurrent use.
type Coordinator struct {
	ws          *workspace.Manager
	tasks       *task.Registry
	locks       *agent.Locks
	notifier    notify.Notifier
	store       *store.Store
	timeout     time.Duration
	serialize   bool
	maxParallel int
	log         *slog.Logger

	// mu guards agents, runs and the execution defaults. ExecuteTask holds
	// it for reading while it moves a task to in progress so
	// UnregisterAgent cannot interleave.
	mu     sync.RWMutex
	agents map[string]agent.Agent
	runs   map[string]*workflow.Run
}

type Option func(*Coordinator)

func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithStore(s *store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithTimeout sets the default execution timeout. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithSerializedAgents controls whether executions for the same agent wait
// for each other. Enabled by default.
func WithSerializedAgents(on bool) Option {
	return func(c *Coordinator) { c.serialize = on }
}

// WithMaxParallel bounds parallel workflow steps when the workflow does not
// set its own limit.
func WithMaxParallel(n int) Option {
	return func(c *Coordinator) { c.maxParallel = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func New(ws *workspace.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		ws:          ws,
		tasks:       task.NewRegistry(),
		locks:       agent.NewLocks(),
		notifier:    notify.None{},
		serialize:   true,
		maxParallel: 4,
		log:         slog.Default(),
		agents:      make(map[string]agent.Agent),
		runs:        make(map[string]*workflow.Run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reconfigure applies options to a running coordinator. Executions already
// in progress keep the settings they started with.
func (c *Coordinator) Reconfigure(opts ...Option) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, opt := range opts {
		opt(c)
	}
}

func (c *Coordinator) Workspaces() *workspace.Manager {
	return c.ws
}

// RegisterAgent creates the agent's workspace and makes it available for
// tasks. The returned agent carries the workspace path.
func (c *Coordinator) RegisterAgent(a agent.Agent) (agent.Agent, error) {
	if err := a.Validate(); err != nil {
		return agent.Agent{}, fmt.Errorf("register agent: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.agents[a.ID]; exists {
		return agent.Agent{}, fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID)
	}
	dir, err := c.ws.CreateWorkspace(a.ID, false)
	if err != nil {
		return agent.Agent{}, fmt.Errorf("create workspace: %w", err)
	}
	a.Workspace = dir
	if a.Name == "" {
		a.Name = a.ID
	}
	c.agents[a.ID] = a

	if c.store != nil {
		rec := &store.Agent{
			ID:           a.ID,
			Name:         a.Name,
			Role:         string(a.Role),
			Description:  a.Description,
			Capabilities: a.Capabilities,
			Workspace:    dir,
		}
		if err := c.store.SaveAgent(rec); err != nil {
			c.log.Warn("failed to persist agent", "agent", a.ID, "error", err)
		}
	}

	c.log.Info("agent registered", "agent", a.ID, "role", a.Role, "workspace", dir)
	return a, nil
}

// UnregisterAgent removes the agent. Its workspace is kept on disk.
func (c *Coordinator) UnregisterAgent(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if n := c.tasks.InProgress(id); n > 0 {
		return fmt.Errorf("%w: %s has %d task(s) in progress", ErrAgentBusy, id, n)
	}
	delete(c.agents, id)

	if c.store != nil {
		if err := c.store.DeleteAgent(id); err != nil {
			c.log.Warn("failed to delete agent record", "agent", id, "error", err)
		}
	}

	c.log.Info("agent unregistered", "agent", id)
	return nil
}

func (c *Coordinator) Agent(id string) (agent.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	return a, ok
}

// Agents returns the registered agents sorted by id.
func (c *Coordinator) Agents() []agent.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]agent.Agent, 0, len(c.agents))
	for _, id := range slices.Sorted(maps.Keys(c.agents)) {
		out = append(out, c.agents[id])
	}
	return out
}

// CreateTask allocates a pending task for a registered agent.
func (c *Coordinator) CreateTask(agentID, description string, input any) (string, error) {
	if _, ok := c.Agent(agentID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	t := c.tasks.Create(agentID, description, input)
	c.persistTask(t)
	c.log.Info("task created", "task", t.ID, "agent", agentID)
	return t.ID, nil
}

func (c *Coordinator) GetTaskStatus(id string) (task.Task, error) {
	t, err := c.tasks.Get(id)
	if err != nil {
		return task.Task{}, fmt.Errorf("%w: %s", err, id)
	}
	return t, nil
}

func (c *Coordinator) ListTasks(f task.Filter) []task.Task {
	return c.tasks.List(f)
}

// Overview is a snapshot of the coordinator as a whole.
type Overview struct {
	TotalTasks int                `json:"total_tasks"`
	Agents     []string           `json:"agents"`
	ByState    map[task.State]int `json:"by_state"`
	Workflows  int                `json:"workflows"`
}

func (c *Coordinator) Overview() Overview {
	c.mu.RLock()
	ids := slices.Sorted(maps.Keys(c.agents))
	runs := len(c.runs)
	c.mu.RUnlock()

	return Overview{
		TotalTasks: c.tasks.Len(),
		Agents:     ids,
		ByState:    c.tasks.CountByState(),
		Workflows:  runs,
	}
}

func (c *Coordinator) persistTask(t task.Task) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveTask(t); err != nil {
		c.log.Warn("failed to persist task", "task", t.ID, "error", err)
	}
}

func (c *Coordinator) persistRun(sum workflow.Summary) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveWorkflowRun(sum); err != nil {
		c.log.Warn("failed to persist workflow run", "workflow", sum.WorkflowID, "error", err)
	}
}

// notify delivers ev without letting the caller's cancellation or the
// sink's failure affect the outcome being reported.
func (c *Coordinator) notify(ctx context.Context, ev notify.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := c.notifier.Notify(ctx, ev); err != nil {
		c.log.Warn("notification failed", "event", ev.Type, "task", ev.TaskID, "workflow", ev.WorkflowID, "error", err)
	}
}
