package workflow

import (
	"context"
	"errors"
	"testing"
)

func TestPayloadDottedPaths(t *testing.T) {
	p := Payload{}
	if err := p.Set("order.quantity", 10); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := p.Set("order.symbol", "X"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if q, ok := p.Float("order.quantity"); !ok || q != 10 {
		t.Fatalf("quantity = %v ok=%v", q, ok)
	}
	if p.String("order.symbol") != "X" {
		t.Fatalf("symbol = %q", p.String("order.symbol"))
	}
	if _, ok := p.Get("order.missing"); ok {
		t.Fatalf("expected missing path")
	}
	if err := p.Set("order.symbol.inner", 1); err == nil {
		t.Fatalf("expected error writing through a scalar")
	}
	var order struct {
		Symbol   string  `json:"symbol"`
		Quantity float64 `json:"quantity"`
	}
	if err := p.Decode("order", &order); err != nil || order.Quantity != 10 {
		t.Fatalf("decode: %+v err=%v", order, err)
	}
}

func TestPayloadCloneIsDeep(t *testing.T) {
	p := Payload{}
	_ = p.Set("a.b", []int{1, 2})
	cp := p.Clone()
	_ = cp.Set("a.c", true)
	if _, ok := p.Get("a.c"); ok {
		t.Fatalf("clone shares nested maps")
	}
	p.mergeFrom(cp)
	if _, ok := p.Get("a.c"); !ok {
		t.Fatalf("merge did not copy changed key")
	}
}

func TestFlagsAreMonotonic(t *testing.T) {
	f := Flags{}
	if !f.mark("trade_gate", FlagPrepared) {
		t.Fatalf("first mark should report new")
	}
	if f.mark("trade_gate", FlagPrepared) {
		t.Fatalf("second mark should report existing")
	}
	if !f["trade_gate_prepared"] || f.Has("trade_gate", FlagApproved) {
		t.Fatalf("unexpected flags: %v", f)
	}
}

func TestPolicyTable(t *testing.T) {
	p := NewPolicy(nil)
	cases := []struct {
		level AutomationLevel
		imp   Importance
		want  bool
	}{
		{AutomationFull, ImportanceMajor, false},
		{AutomationFull, ImportanceMinor, false},
		{AutomationMajor, ImportanceMajor, true},
		{AutomationMajor, ImportanceMinor, false},
		{AutomationManual, ImportanceMajor, true},
		{AutomationManual, ImportanceMinor, true},
	}
	for _, tc := range cases {
		if got := p.RequiresApproval(tc.level, tc.imp); got != tc.want {
			t.Fatalf("level %d %s: got %v want %v", tc.level, tc.imp, got, tc.want)
		}
	}
}

func TestPolicyOverrides(t *testing.T) {
	gate := &Node{Name: "report_gate", Kind: NodeGate, Gate: &GateSpec{Importance: ImportanceMinor}}
	p := NewPolicy(map[string]string{"analysis.report_gate": " MAJOR ", "analysis.other": "critical"})
	if got := p.Importance("analysis", gate); got != ImportanceMajor {
		t.Fatalf("override ignored: %s", got)
	}
	if got := p.Importance("rebalance", gate); got != ImportanceMinor {
		t.Fatalf("override leaked to other workflow: %s", got)
	}
	if got := NewPolicy(nil).Importance("x", &Node{Name: "g", Gate: &GateSpec{}}); got != ImportanceMajor {
		t.Fatalf("undeclared importance should default to major, got %s", got)
	}
}

func TestDefinitionValidate(t *testing.T) {
	noop := func(context.Context, *RunState) error { return nil }
	good := &Definition{Name: "ok", Nodes: []Node{
		{Name: "a", Kind: NodeCompute, Run: noop},
		{Name: "fan", Kind: NodeParallel, Branches: []Node{{Name: "b", Kind: NodeCompute, Run: noop}}},
		{Name: "g", Kind: NodeGate, Gate: &GateSpec{Propose: func(*RunState) (*Proposal, error) { return &Proposal{}, nil }}},
	}}
	if err := good.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	bad := []*Definition{
		{Name: "empty"},
		{Name: "dup", Nodes: []Node{{Name: "a", Kind: NodeCompute, Run: noop}, {Name: "a", Kind: NodeCompute, Run: noop}}},
		{Name: "gate", Nodes: []Node{{Name: "g", Kind: NodeGate, Gate: &GateSpec{}}}},
		{Name: "fan", Nodes: []Node{{Name: "f", Kind: NodeParallel}}},
		{Name: "nested", Nodes: []Node{{Name: "f", Kind: NodeParallel, Branches: []Node{{Name: "g", Kind: NodeGate}}}}},
		{Name: "body", Nodes: []Node{{Name: "a", Kind: NodeCompute}}},
	}
	for _, def := range bad {
		if err := def.Validate(); err == nil {
			t.Fatalf("expected %s to be invalid", def.Name)
		}
	}
}

func TestDefinitionResolve(t *testing.T) {
	noop := func(context.Context, *RunState) error { return nil }
	def := &Definition{Name: "wf", Nodes: []Node{
		{Name: "a", Kind: NodeCompute, Run: noop},
		{Name: "b", Kind: NodeCompute, Run: noop},
	}}
	steps, err := def.Resolve(nil)
	if err != nil || len(steps) != 2 || steps[0] != "a" {
		t.Fatalf("default order: %v err=%v", steps, err)
	}
	if _, err := def.Resolve([]string{"b", "b"}); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected repeated step error, got %v", err)
	}
}

func TestGateModifiableFieldsHonorActionChange(t *testing.T) {
	g := &GateSpec{Fields: []FieldSpec{
		{Name: "quantity", Path: "order.quantity"},
		{Name: "action", Path: "order.action", Action: true},
	}}
	if got := g.ModifiableFields(); len(got) != 1 || got[0] != "quantity" {
		t.Fatalf("action offered without permission: %v", got)
	}
	err := validateModifications(g, Decision{Verdict: VerdictModified, Modifications: map[string]any{"action": "sell"}})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Violations[0].Field != "action" {
		t.Fatalf("expected action violation, got %v", err)
	}
	g.AllowActionChange = true
	if got := g.ModifiableFields(); len(got) != 2 {
		t.Fatalf("expected action to be modifiable: %v", got)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := invalidField("quantity", "must be > %d", 0)
	if err.Error() != "invalid modifications: quantity: must be > 0" {
		t.Fatalf("message = %q", err.Error())
	}
	nerr := &NodeExecutionError{Node: "fetch", Err: errors.New("boom")}
	if !errors.Is(nerr, nerr.Err) || nerr.Error() != "node fetch: boom" {
		t.Fatalf("node error = %q", nerr.Error())
	}
}
