package registry

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/cordum/tradeflow/core/workflow"
)

func priceWorker() Worker {
	return Worker{
		Name:     "price_lookup",
		Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)^(?:what(?:'s| is) the )?price of (?P<symbol>[A-Za-z.]+)\??$`)},
		Required: []string{"symbol"},
		Run: func(_ context.Context, p Params) (*Result, error) {
			return &Result{Message: "price " + p["symbol"]}, nil
		},
	}
}

func gateWorkflow() *workflow.Definition {
	noop := func(context.Context, *workflow.RunState) error { return nil }
	return &workflow.Definition{Name: "trading", Nodes: []workflow.Node{
		{Name: "prepare", Kind: workflow.NodeCompute, Phase: workflow.PhasePlanning, Run: noop},
		{Name: "scan", Kind: workflow.NodeParallel, Branches: []workflow.Node{
			{Name: "left", Kind: workflow.NodeCompute, Run: noop},
		}},
		{Name: "trade_gate", Kind: workflow.NodeGate, Phase: workflow.PhaseGate, Gate: &workflow.GateSpec{
			Importance: workflow.ImportanceMinor,
			Fields:     []workflow.FieldSpec{{Name: "quantity", Path: "order.quantity"}},
			Propose:    func(*workflow.RunState) (*workflow.Proposal, error) { return &workflow.Proposal{}, nil },
		}},
	}}
}

func TestMatchWorker(t *testing.T) {
	reg, err := NewBuilder().Worker(priceWorker()).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m, ok := reg.MatchWorker("What is the price of AAPL?")
	if !ok || m.Worker.Name != "price_lookup" || m.Params["symbol"] != "AAPL" {
		t.Fatalf("unexpected match: %+v ok=%v", m, ok)
	}
	if _, ok := reg.MatchWorker("buy stock X, 10 units"); ok {
		t.Fatalf("trade query must not match a worker")
	}
	if w, ok := reg.Worker("price_lookup"); !ok || w.Name != "price_lookup" {
		t.Fatalf("worker lookup failed")
	}
}

func TestMatchWorkerRequiresAllParams(t *testing.T) {
	w := Worker{
		Name:     "optional",
		Patterns: []*regexp.Regexp{regexp.MustCompile(`^quote(?: (?P<symbol>\w+))?$`)},
		Required: []string{"symbol"},
		Run:      func(context.Context, Params) (*Result, error) { return &Result{}, nil },
	}
	reg, err := NewBuilder().Worker(w).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := reg.MatchWorker("quote"); ok {
		t.Fatalf("matched without the required symbol")
	}
	if _, ok := reg.MatchWorker("quote X"); !ok {
		t.Fatalf("expected match with symbol")
	}
}

func TestBuildRejectsBadCapabilities(t *testing.T) {
	bad := priceWorker()
	bad.Required = []string{"symbol", "venue"}
	_, err := NewBuilder().
		Worker(bad).
		Worker(Worker{Name: "empty"}).
		Workflow(&workflow.Definition{Name: "hollow"}).
		Build()
	if err == nil {
		t.Fatalf("expected build error")
	}
	for _, want := range []string{"lacks group venue", `worker "empty"`, "hollow"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	if _, err := NewBuilder().Workflow(gateWorkflow()).Workflow(gateWorkflow()).Build(); err == nil {
		t.Fatalf("expected duplicate workflow error")
	}
}

func TestAnswerersInOrder(t *testing.T) {
	reg, err := NewBuilder().
		Answerer("silent", func(context.Context, string) (string, bool) { return "", false }).
		Answerer("glossary", func(_ context.Context, q string) (string, bool) { return "answer to " + q, true }).
		Answerer("never", func(context.Context, string) (string, bool) { return "late", true }).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	text, ok := reg.Answer(context.Background(), "beta")
	if !ok || text != "answer to beta" {
		t.Fatalf("answer = %q ok=%v", text, ok)
	}
}

func TestSnapshotAppliesPolicy(t *testing.T) {
	reg, err := NewBuilder().Worker(priceWorker()).Workflow(gateWorkflow()).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if def, ok := reg.Workflow("trading"); !ok || def.Name != "trading" {
		t.Fatalf("catalog lookup failed")
	}
	snap := reg.Snapshot(workflow.NewPolicy(map[string]string{"trading.trade_gate": "major"}))
	if len(snap.Workers) != 1 || len(snap.Workflows) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	steps := snap.Workflows[0].Steps
	if steps[1].Branches[0] != "left" {
		t.Fatalf("branches missing: %+v", steps[1])
	}
	if steps[2].Importance != workflow.ImportanceMajor || steps[2].ModifiableFields[0] != "quantity" {
		t.Fatalf("gate summary = %+v", steps[2])
	}
}
