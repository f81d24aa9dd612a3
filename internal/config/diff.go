package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	DefaultsChanged bool

	WorkflowsChanged bool
	SchedulesChanged bool

	CoordinatorChanged bool
	NewCoordinator     CoordinatorConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.DefaultsChanged ||
		d.WorkflowsChanged ||
		d.SchedulesChanged ||
		d.CoordinatorChanged
}

// Diff compares two configs and returns what changed. Name lists are sorted.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Agents {
		if _, ok := old.Agents[name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, name)
		}
	}
	for name := range old.Agents {
		if _, ok := new.Agents[name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
		}
	}
	for name, newDef := range new.Agents {
		if oldDef, ok := old.Agents[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.AgentsChanged = append(d.AgentsChanged, name)
			}
		}
	}
	slices.Sort(d.AgentsAdded)
	slices.Sort(d.AgentsRemoved)
	slices.Sort(d.AgentsChanged)

	if !reflect.DeepEqual(old.Defaults, new.Defaults) {
		d.DefaultsChanged = true
	}
	if !reflect.DeepEqual(old.Workflows, new.Workflows) {
		d.WorkflowsChanged = true
	}
	if !reflect.DeepEqual(old.Schedules, new.Schedules) ||
		old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulesChanged = true
	}
	if old.Coordinator != new.Coordinator {
		d.CoordinatorChanged = true
		d.NewCoordinator = new.Coordinator
	}

	// Non-reloadable warnings
	if old.Workspace.Root != new.Workspace.Root {
		d.NonReloadable = append(d.NonReloadable, "workspace.root")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Notify != new.Notify {
		d.NonReloadable = append(d.NonReloadable, "notify")
	}

	return d
}
