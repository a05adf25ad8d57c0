package registry

import "github.com/cordum/tradeflow/core/workflow"

// Snapshot is a read-only view of the registered capabilities.
type Snapshot struct {
	Workers   []WorkerSummary   `json:"workers"`
	Answerers []string          `json:"answerers"`
	Workflows []WorkflowSummary `json:"workflows"`
}

// WorkerSummary describes a fast-path worker.
type WorkerSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
}

// WorkflowSummary describes a workflow and its steps.
type WorkflowSummary struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Steps       []StepSummary `json:"steps"`
}

// StepSummary describes one node. Gate fields reflect the effective policy.
type StepSummary struct {
	Name              string              `json:"name"`
	Kind              workflow.NodeKind   `json:"kind"`
	Phase             workflow.Phase      `json:"phase,omitempty"`
	SideEffect        bool                `json:"side_effect,omitempty"`
	Importance        workflow.Importance `json:"importance,omitempty"`
	ModifiableFields  []string            `json:"modifiable_fields,omitempty"`
	AllowActionChange bool                `json:"allow_action_change,omitempty"`
	Branches          []string            `json:"branches,omitempty"`
}

// Snapshot summarizes the registry, resolving gate importance through policy.
func (r *Registry) Snapshot(policy *workflow.Policy) Snapshot {
	snap := Snapshot{
		Workers:   make([]WorkerSummary, 0, len(r.workers)),
		Answerers: make([]string, 0, len(r.answerers)),
		Workflows: make([]WorkflowSummary, 0, len(r.workflows)),
	}
	for _, w := range r.workers {
		snap.Workers = append(snap.Workers, WorkerSummary{Name: w.Name, Description: w.Description, Required: w.Required})
	}
	for _, a := range r.answerers {
		snap.Answerers = append(snap.Answerers, a.name)
	}
	for _, name := range r.WorkflowNames() {
		def := r.workflows[name]
		summary := WorkflowSummary{Name: def.Name, Description: def.Description}
		for i := range def.Nodes {
			n := &def.Nodes[i]
			step := StepSummary{Name: n.Name, Kind: n.Kind, Phase: n.Phase, SideEffect: n.SideEffect}
			if n.Gate != nil {
				step.Importance = policy.Importance(def.Name, n)
				step.ModifiableFields = n.Gate.ModifiableFields()
				step.AllowActionChange = n.Gate.AllowActionChange
			}
			for _, b := range n.Branches {
				step.Branches = append(step.Branches, b.Name)
			}
			summary.Steps = append(summary.Steps, step)
		}
		snap.Workflows = append(snap.Workflows, summary)
	}
	return snap
}
