package workflow

import "slices"

// Plan is a validated workflow ready to execute.
type Plan struct {
	// Order is the declared step order.
	Order []string
	// Tiers groups step names by dependency depth; steps within a tier are
	// independent of each other.
	Tiers [][]string
	// Deps maps a step name to the steps it depends on, explicit and
	// implied by ${steps.x} references.
	Deps map[string][]string
	// Dependents maps a step name to the steps that depend on it.
	Dependents map[string][]string
}

// BuildPlan validates the workflow and computes its execution tiers. A step
// may only depend on steps declared before it, so a valid plan is always
// acyclic.
func BuildPlan(spec Spec) (*Plan, error) {
	if len(spec.Steps) == 0 {
		return nil, malformed("workflow has no steps")
	}
	switch spec.EffectivePolicy() {
	case PolicyAbort, PolicyContinue:
	default:
		return nil, malformed("unknown failure policy %q", spec.Policy)
	}
	if spec.MaxParallel < 0 {
		return nil, malformed("max_parallel must not be negative")
	}

	plan := &Plan{
		Order:      make([]string, 0, len(spec.Steps)),
		Deps:       make(map[string][]string, len(spec.Steps)),
		Dependents: make(map[string][]string),
	}
	depth := make(map[string]int, len(spec.Steps))

	for i, st := range spec.Steps {
		if st.Name == "" {
			return nil, malformed("step %d has no name", i)
		}
		if _, dup := depth[st.Name]; dup {
			return nil, malformed("duplicate step name %q", st.Name)
		}
		if st.AgentID == "" {
			return nil, malformed("step %q has no agent", st.Name)
		}

		deps := slices.Clone(st.DependsOn)
		for _, ref := range References(st.Input) {
			if !slices.Contains(deps, ref) {
				deps = append(deps, ref)
			}
		}

		d := 0
		for _, dep := range deps {
			if dep == st.Name {
				return nil, malformed("step %q depends on itself", st.Name)
			}
			dd, ok := depth[dep]
			if !ok {
				return nil, malformed("step %q depends on %q, which is not declared before it", st.Name, dep)
			}
			d = max(d, dd+1)
			plan.Dependents[dep] = append(plan.Dependents[dep], st.Name)
		}

		depth[st.Name] = d
		plan.Deps[st.Name] = deps
		plan.Order = append(plan.Order, st.Name)
		for len(plan.Tiers) <= d {
			plan.Tiers = append(plan.Tiers, nil)
		}
		plan.Tiers[d] = append(plan.Tiers[d], st.Name)
	}

	return plan, nil
}
