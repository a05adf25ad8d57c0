package workflow

import (
	"context"
	"fmt"
)

// NodeKind identifies how the engine treats a node.
type NodeKind string

const (
	NodeCompute  NodeKind = "compute"
	NodeGate     NodeKind = "gate"
	NodeParallel NodeKind = "parallel"
)

// Phase tags every emitted event with the part of the run it belongs to.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseDataCollection Phase = "data-collection"
	PhaseTool           Phase = "tool"
	PhaseGate           Phase = "gate"
	PhaseFinalization   Phase = "finalization"
)

// NodeFunc is the body of a compute node or a gate simulation. It reads the
// run context and payload and writes its outputs into the payload.
type NodeFunc func(ctx context.Context, run *RunState) error

// Node is one step of a workflow definition.
type Node struct {
	Name  string
	Kind  NodeKind
	Phase Phase
	Run   NodeFunc
	// SideEffect nodes are guarded by the "_executed" flag and receive an
	// idempotency key through IdempotencyKey.
	SideEffect bool
	// Branches of a parallel node run concurrently on copies of the payload
	// and are merged in declared order at the join.
	Branches []Node
	Gate     *GateSpec
}

// FieldType constrains a modifiable field.
type FieldType string

const (
	FieldNumber  FieldType = "number"
	FieldInteger FieldType = "integer"
	FieldString  FieldType = "string"
)

// FieldSpec declares one field a human may modify at a gate.
type FieldSpec struct {
	Name             string
	Path             string
	Type             FieldType
	ExclusiveMinimum *float64
	Maximum          *float64
	Enum             []string
	// Action marks the field that flips the proposed action. It is only
	// offered when the gate allows action changes.
	Action bool
}

// Proposal is what a gate shows the human.
type Proposal struct {
	Summary map[string]any
	Before  *Snapshot
	After   *Snapshot
}

// GateSpec configures an approval gate.
type GateSpec struct {
	Kind              RequestKind
	Importance        Importance
	Fields            []FieldSpec
	AllowActionChange bool
	AcceptsFreeText   bool
	// FreeTextPath is where accepted free text is stored; defaults to
	// "{gate}_instructions".
	FreeTextPath string
	Propose      func(run *RunState) (*Proposal, error)
	// Simulate re-runs the simulation after modifications are applied.
	Simulate NodeFunc
}

// ModifiableFields lists the field names a human may change.
func (g *GateSpec) ModifiableFields() []string {
	out := make([]string, 0, len(g.Fields))
	for _, f := range g.Fields {
		if f.Action && !g.AllowActionChange {
			continue
		}
		out = append(out, f.Name)
	}
	return out
}

func (g *GateSpec) field(name string) (FieldSpec, bool) {
	for _, f := range g.Fields {
		if f.Name == name {
			if f.Action && !g.AllowActionChange {
				return FieldSpec{}, false
			}
			return f, true
		}
	}
	return FieldSpec{}, false
}

func (g *GateSpec) freeTextPath(gate string) string {
	if g.FreeTextPath != "" {
		return g.FreeTextPath
	}
	return gate + "_instructions"
}

// Definition is a named, ordered list of nodes.
type Definition struct {
	Name        string
	Description string
	Nodes       []Node
}

// Node returns the top-level node called name.
func (d *Definition) Node(name string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Name == name {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// StepNames returns the declared top-level order.
func (d *Definition) StepNames() []string {
	out := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		out = append(out, n.Name)
	}
	return out
}

// Resolve checks a caller-supplied step order against the definition. An
// empty order means the declared order.
func (d *Definition) Resolve(steps []string) ([]string, error) {
	if len(steps) == 0 {
		return d.StepNames(), nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if _, ok := d.Node(s); !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownStep, d.Name, s)
		}
		if seen[s] {
			return nil, fmt.Errorf("%w: %s repeated", ErrUnknownStep, s)
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

// Validate checks structural rules: unique names, gates with a proposer,
// parallel nodes whose branches are plain compute nodes.
func (d *Definition) Validate() error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("workflow name required")
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow %s has no nodes", d.Name)
	}
	names := map[string]bool{}
	claim := func(name string) error {
		if name == "" {
			return fmt.Errorf("workflow %s: node name required", d.Name)
		}
		if names[name] {
			return fmt.Errorf("workflow %s: duplicate node %s", d.Name, name)
		}
		names[name] = true
		return nil
	}
	for _, n := range d.Nodes {
		if err := claim(n.Name); err != nil {
			return err
		}
		switch n.Kind {
		case NodeCompute:
			if n.Run == nil {
				return fmt.Errorf("workflow %s: compute node %s has no body", d.Name, n.Name)
			}
		case NodeGate:
			if n.Gate == nil || n.Gate.Propose == nil {
				return fmt.Errorf("workflow %s: gate %s has no proposer", d.Name, n.Name)
			}
			for _, f := range n.Gate.Fields {
				if f.Name == "" || f.Path == "" {
					return fmt.Errorf("workflow %s: gate %s has an unnamed field", d.Name, n.Name)
				}
			}
		case NodeParallel:
			if len(n.Branches) == 0 {
				return fmt.Errorf("workflow %s: parallel node %s has no branches", d.Name, n.Name)
			}
			for _, b := range n.Branches {
				if err := claim(b.Name); err != nil {
					return err
				}
				if b.Kind != NodeCompute || b.Run == nil {
					return fmt.Errorf("workflow %s: branch %s must be a compute node", d.Name, b.Name)
				}
			}
		default:
			return fmt.Errorf("workflow %s: node %s has unknown kind %q", d.Name, n.Name, n.Kind)
		}
	}
	return nil
}

// Catalog resolves workflow names to definitions.
type Catalog interface {
	Workflow(name string) (*Definition, bool)
}

type idempotencyKeyCtx struct{}

// IdempotencyKey returns the key a side-effecting node must pass to external
// systems. It is stable for a (run, node) pair across retries.
func IdempotencyKey(ctx context.Context) string {
	v, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return v
}

func withIdempotencyKey(ctx context.Context, runID, node string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, runID+":"+node)
}
