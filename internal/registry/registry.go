package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/mtzanidakis/foreman/internal/agent"
	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/coordinator"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

// Registry turns the agents and workflows defined in the config into
// registered agents and runnable workflow specs, and keeps them in sync
// across reloads.
type Registry struct {
	coord *coordinator.Coordinator
	store *store.Store

	mu        sync.RWMutex
	agents    map[string]config.AgentDefinition
	workflows map[string]config.WorkflowDefinition
	defaults  config.DefaultsConfig
}

func New(c *coordinator.Coordinator, s *store.Store, cfg *config.Config) *Registry {
	return &Registry{
		coord:     c,
		store:     s,
		agents:    cfg.Agents,
		workflows: cfg.Workflows,
		defaults:  cfg.Defaults,
	}
}

// Sync registers every configured agent that is not registered yet and
// drops stored agents that are no longer configured.
func (r *Registry) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(r.agents))
	for _, id := range ids {
		if _, ok := r.coord.Agent(id); ok {
			continue
		}
		if err := r.register(id); err != nil {
			return err
		}
	}

	if r.store != nil {
		if err := r.store.DeleteAgentsNotIn(ids); err != nil {
			return fmt.Errorf("delete stale agents: %w", err)
		}
	}
	return nil
}

func (r *Registry) register(id string) error {
	a, err := r.build(id)
	if err != nil {
		return err
	}
	if _, err := r.coord.RegisterAgent(a); err != nil {
		return fmt.Errorf("register agent %s: %w", id, err)
	}
	return nil
}

func (r *Registry) build(id string) (agent.Agent, error) {
	def, ok := r.agents[id]
	if !ok {
		return agent.Agent{}, fmt.Errorf("%w: %s", coordinator.ErrUnknownAgent, id)
	}
	if def.Command == "" {
		return agent.Agent{}, fmt.Errorf("agent %s: command is required", id)
	}

	env := map[string]string{
		"FOREMAN_AGENT_ID": id,
		"FOREMAN_ROLE":     def.Role,
		"FOREMAN_MODEL":    r.resolveModel(def),
	}
	if r.defaults.Token != "" {
		env["FOREMAN_TOKEN"] = r.defaults.Token
	}
	maps.Copy(env, def.Env)

	name := def.Name
	if name == "" {
		name = id
	}
	return agent.Agent{
		ID:           id,
		Name:         name,
		Role:         agent.Role(def.Role),
		Description:  def.Description,
		Capabilities: def.Capabilities,
		Timeout:      def.Timeout,
		Executor: &agent.Shell{
			Command: def.Command,
			Shell:   r.defaults.Shell,
			Env:     env,
		},
	}, nil
}

func (r *Registry) resolveModel(def config.AgentDefinition) string {
	if def.Model != "" {
		return def.Model
	}
	return r.defaults.Model
}

func (r *Registry) ResolveModel(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveModel(r.agents[agentID])
}

func (r *Registry) GetDefinition(agentID string) (config.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[agentID]
	return def, ok
}

// WorkflowNames returns the configured workflow names, sorted.
func (r *Registry) WorkflowNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.workflows))
}

// Workflow returns a fresh spec for a configured workflow. The spec has no
// id, so every run gets its own.
func (r *Registry) Workflow(name string) (workflow.Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[name]
	if !ok {
		return workflow.Spec{}, false
	}
	return SpecFromDefinition(name, def), true
}

// SpecFromDefinition converts a config workflow into a workflow spec.
func SpecFromDefinition(name string, def config.WorkflowDefinition) workflow.Spec {
	if def.Name != "" {
		name = def.Name
	}
	spec := workflow.Spec{
		Name:        name,
		Policy:      workflow.Policy(def.Policy),
		Parallel:    def.Parallel,
		MaxParallel: def.MaxParallel,
		Steps:       make([]workflow.Step, 0, len(def.Steps)),
	}
	for _, st := range def.Steps {
		spec.Steps = append(spec.Steps, workflow.Step{
			Name:        st.Name,
			AgentID:     st.Agent,
			Description: st.Description,
			Input:       st.Input,
			DependsOn:   st.DependsOn,
		})
	}
	return spec
}

// Apply brings the registered agents in line with a reloaded config.
// Agents with tasks in progress are left as they are and reported in the
// returned error; a later reload picks them up.
func (r *Registry) Apply(cfg *config.Config, diff config.ConfigDiff) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = cfg.Agents
	r.workflows = cfg.Workflows
	r.defaults = cfg.Defaults

	var errs []error
	for _, id := range diff.AgentsRemoved {
		if err := r.coord.UnregisterAgent(id); err != nil && !errors.Is(err, coordinator.ErrUnknownAgent) {
			errs = append(errs, err)
			continue
		}
		slog.Info("agent removed", "agent", id)
	}

	changed := diff.AgentsChanged
	if diff.DefaultsChanged {
		changed = slices.Sorted(maps.Keys(cfg.Agents))
	}
	for _, id := range changed {
		if slices.Contains(diff.AgentsAdded, id) {
			continue
		}
		if err := r.coord.UnregisterAgent(id); err != nil && !errors.Is(err, coordinator.ErrUnknownAgent) {
			errs = append(errs, err)
			continue
		}
		if err := r.register(id); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("agent reloaded", "agent", id)
	}

	for _, id := range diff.AgentsAdded {
		if err := r.register(id); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("agent added", "agent", id)
	}

	return errors.Join(errs...)
}
