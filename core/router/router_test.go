package router

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/cordum/tradeflow/core/registry"
	"github.com/cordum/tradeflow/core/workflow"
	openai "github.com/sashabaranov/go-openai"
)

type countingMetrics struct{ routes map[string]int }

func (m *countingMetrics) IncRoute(tier, _ string) {
	if m.routes == nil {
		m.routes = map[string]int{}
	}
	m.routes[tier]++
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	noop := func(context.Context, *workflow.RunState) error { return nil }
	simple := func(name string, steps ...string) *workflow.Definition {
		def := &workflow.Definition{Name: name}
		for _, s := range steps {
			def.Nodes = append(def.Nodes, workflow.Node{Name: s, Kind: workflow.NodeCompute, Run: noop})
		}
		return def
	}
	reg, err := registry.NewBuilder().
		Worker(registry.Worker{
			Name:     "price_lookup",
			Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)price of (?P<symbol>[A-Za-z]+)`)},
			Required: []string{"symbol"},
			Run: func(context.Context, registry.Params) (*registry.Result, error) {
				return &registry.Result{Message: "ok"}, nil
			},
		}).
		Answerer("glossary", func(_ context.Context, q string) (string, bool) {
			if strings.Contains(strings.ToLower(q), "etf") {
				return "An ETF is an exchange-traded fund.", true
			}
			return "", false
		}).
		Workflow(simple("trading", "prepare_order", "simulate", "finalize")).
		Workflow(simple("rebalance", "analyze_portfolio", "finalize")).
		Workflow(simple("analysis", "collect_market_data", "finalize")).
		Workflow(simple("clarify", "finalize")).
		Build()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestRouteTiers(t *testing.T) {
	m := &countingMetrics{}
	r := New(testRegistry(t), RuleClassifier{}, 0.6).WithMetrics(m)
	ctx := context.Background()
	user := UserContext{Personalization: map[string]any{"risk": "low"}}

	worker, err := r.Route(ctx, "what is the price of AAPL", user, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	wd, ok := worker.Dispatch.(WorkerDispatch)
	if !ok || wd.Name != "price_lookup" || wd.Params["symbol"] != "AAPL" {
		t.Fatalf("expected worker dispatch, got %#v", worker.Dispatch)
	}

	answer, err := r.Route(ctx, "what is an ETF?", user, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if da, ok := answer.Dispatch.(DirectAnswerDispatch); !ok || !strings.Contains(da.Text, "exchange-traded") {
		t.Fatalf("expected direct answer, got %#v", answer.Dispatch)
	}

	trade, err := r.Route(ctx, "buy stock X, 10 units", user, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	wf, ok := trade.Dispatch.(WorkflowDispatch)
	if !ok || wf.Name != "trading" {
		t.Fatalf("expected trading workflow, got %#v", trade.Dispatch)
	}
	if wf.Params["symbol"] != "X" || wf.Params["quantity"] != float64(10) || wf.Params["action"] != "buy" {
		t.Fatalf("unexpected params: %v", wf.Params)
	}
	if len(wf.OrderedSteps) != 3 || trade.Complexity != ComplexityExpert {
		t.Fatalf("unexpected steps/complexity: %v %s", wf.OrderedSteps, trade.Complexity)
	}
	if trade.Personalization["risk"] != "low" {
		t.Fatalf("personalization not passed through")
	}
	if m.routes["worker"] != 1 || m.routes["direct_answer"] != 1 || m.routes["workflow"] != 1 {
		t.Fatalf("unexpected metrics: %v", m.routes)
	}
}

func TestRouteAmbiguityBecomesClarify(t *testing.T) {
	r := New(testRegistry(t), RuleClassifier{}, 0.6)
	for _, q := range []string{"buy something", "", "tell me a joke", "what is a widget"} {
		d, err := r.Route(context.Background(), q, UserContext{}, nil)
		if err != nil {
			t.Fatalf("route %q: %v", q, err)
		}
		wf, ok := d.Dispatch.(WorkflowDispatch)
		if !ok || wf.Name != ClarifyWorkflow || wf.Params["prompt"] == "" {
			t.Fatalf("query %q: expected clarify, got %#v", q, d.Dispatch)
		}
	}
}

type stubClassifier struct {
	intent *Intent
	err    error
}

func (s stubClassifier) Classify(context.Context, string, []Turn) (*Intent, error) {
	return s.intent, s.err
}

func TestRouteRejectsUnknownWorkflowAndBadSteps(t *testing.T) {
	reg := testRegistry(t)
	unknown := New(reg, stubClassifier{intent: &Intent{Tier: TierWorkflow, Workflow: "margin", Confidence: 0.9}}, 0.6)
	d, _ := unknown.Route(context.Background(), "open margin", UserContext{}, nil)
	if wf := d.Dispatch.(WorkflowDispatch); wf.Name != ClarifyWorkflow {
		t.Fatalf("expected clarify for unknown workflow, got %s", wf.Name)
	}

	badSteps := New(reg, stubClassifier{intent: &Intent{
		Tier: TierWorkflow, Workflow: "trading", Steps: []string{"finalize", "warp"}, Confidence: 0.9,
	}}, 0.6)
	d, _ = badSteps.Route(context.Background(), "trade", UserContext{}, nil)
	if wf := d.Dispatch.(WorkflowDispatch); len(wf.OrderedSteps) != 3 || wf.OrderedSteps[0] != "prepare_order" {
		t.Fatalf("expected declared order, got %v", wf.OrderedSteps)
	}

	failing := New(reg, stubClassifier{err: errors.New("offline")}, 0.6)
	d, err := failing.Route(context.Background(), "rebalance", UserContext{}, nil)
	if err != nil || d.Dispatch.(WorkflowDispatch).Name != ClarifyWorkflow {
		t.Fatalf("classifier failure should clarify, got %#v err=%v", d.Dispatch, err)
	}
}

func TestRoutingDecisionJSONShape(t *testing.T) {
	decisions := []RoutingDecision{
		{Complexity: ComplexitySimple, Intent: "price_lookup", Dispatch: WorkerDispatch{Name: "price_lookup", Params: map[string]string{"symbol": "X"}}, Confidence: 1},
		{Complexity: ComplexitySimple, Intent: "explain", Dispatch: DirectAnswerDispatch{Text: "hi"}},
		{Complexity: ComplexityExpert, Intent: "trade", Dispatch: WorkflowDispatch{Name: "trading", OrderedSteps: []string{"a"}}},
	}
	for _, d := range decisions {
		data, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var raw map[string]any
		_ = json.Unmarshal(data, &raw)
		variants := 0
		for _, key := range []string{"worker", "direct_answer", "workflow"} {
			if _, ok := raw[key]; ok {
				variants++
			}
		}
		if variants != 1 {
			t.Fatalf("expected exactly one variant in %s", data)
		}
		var back RoutingDecision
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if back.Dispatch.Tier() != d.Dispatch.Tier() {
			t.Fatalf("tier changed: %s -> %s", d.Dispatch.Tier(), back.Dispatch.Tier())
		}
	}

	var d RoutingDecision
	if err := json.Unmarshal([]byte(`{"intent":"x","worker":{"name":"w"},"workflow":{"name":"trading"}}`), &d); err == nil {
		t.Fatalf("expected error for two variants")
	}
	if err := json.Unmarshal([]byte(`{"intent":"x"}`), &d); err == nil {
		t.Fatalf("expected error for no variant")
	}
	if _, err := json.Marshal(RoutingDecision{Intent: "x"}); err == nil {
		t.Fatalf("expected marshal error without dispatch")
	}
}

func TestRuleClassifierTradeForms(t *testing.T) {
	cases := map[string]map[string]any{
		"buy stock X, 10 units":         {"action": "buy", "symbol": "X", "quantity": 10.0},
		"Sell 5 shares of msft at $310": {"action": "sell", "symbol": "MSFT", "quantity": 5.0, "price": 310.0},
		"buy AAPL 2.5":                  {"action": "buy", "symbol": "AAPL", "quantity": 2.5},
	}
	for q, want := range cases {
		intent, _ := RuleClassifier{}.Classify(context.Background(), q, nil)
		if intent.Workflow != "trading" || intent.Confidence < 0.9 {
			t.Fatalf("%q: unexpected intent %+v", q, intent)
		}
		for k, v := range want {
			if intent.Params[k] != v {
				t.Fatalf("%q: param %s = %v want %v", q, k, intent.Params[k], v)
			}
		}
	}
}

type fakeChat struct {
	replies []string
	errs    []error
	calls   int
	last    openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := f.calls
	f.calls++
	f.last = req
	if i < len(f.errs) && f.errs[i] != nil {
		return openai.ChatCompletionResponse{}, f.errs[i]
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: f.replies[i]},
	}}}, nil
}

func TestOpenAIClassifierRetriesAndParses(t *testing.T) {
	chat := &fakeChat{
		errs:    []error{errors.New("rate limited"), nil, nil},
		replies: []string{"", "not json", `{"tier":"workflow","intent":"rebalance","workflow":"rebalance","confidence":0.82}`},
	}
	cl := NewOpenAIClassifierWithClient(chat, OpenAIConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Workflows:  map[string][]string{"rebalance": {"analyze_portfolio", "finalize"}},
	})
	intent, err := cl.Classify(context.Background(), "rebalance my book", []Turn{{Role: "assistant", Content: "hello"}})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if intent.Workflow != "rebalance" || intent.Confidence != 0.82 {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if chat.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", chat.calls)
	}
	if chat.last.Model != DefaultOpenAIModel || len(chat.last.Messages) != 3 {
		t.Fatalf("unexpected request: model=%s messages=%d", chat.last.Model, len(chat.last.Messages))
	}
	if !strings.Contains(chat.last.Messages[0].Content, "- rebalance: analyze_portfolio, finalize") {
		t.Fatalf("system prompt missing workflows: %s", chat.last.Messages[0].Content)
	}
}

func TestOpenAIClassifierGivesUp(t *testing.T) {
	chat := &fakeChat{replies: []string{`{"tier":"teleport","confidence":1}`}}
	cl := NewOpenAIClassifierWithClient(chat, OpenAIConfig{MaxRetries: 0})
	if _, err := cl.Classify(context.Background(), "x", nil); err == nil {
		t.Fatalf("expected unsupported tier error")
	}
	if _, err := NewOpenAIClassifier(OpenAIConfig{}); err == nil {
		t.Fatalf("expected api key error")
	}
}

func TestChainFallsBack(t *testing.T) {
	chain := NewChain(0, stubClassifier{err: errors.New("offline")}, RuleClassifier{})
	intent, err := chain.Classify(context.Background(), "rebalance my portfolio", nil)
	if err != nil || intent.Workflow != "rebalance" {
		t.Fatalf("chain fallback failed: %+v err=%v", intent, err)
	}
	if _, err := NewChain(0, stubClassifier{err: errors.New("offline")}).Classify(context.Background(), "x", nil); err == nil {
		t.Fatalf("expected joined error")
	}
}

func TestChainStopsAtRouterFloor(t *testing.T) {
	reg := testRegistry(t)
	llm := stubClassifier{intent: &Intent{Tier: TierWorkflow, Intent: "trade", Workflow: "trading", Confidence: 0.7}}
	rt := New(reg, NewChain(0.8, llm, RuleClassifier{}), 0.8)

	d, err := rt.Route(context.Background(), "buy stock X, 10 units", UserContext{}, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	wf, ok := d.Dispatch.(WorkflowDispatch)
	if !ok || wf.Name != "trading" || d.Confidence != 0.95 {
		t.Fatalf("expected rule classifier to decide, got %+v", d)
	}
	if wf.Params["quantity"] != 10.0 {
		t.Fatalf("params = %v", wf.Params)
	}

	// under the default floor the weaker result would have stopped the chain
	intent, _ := NewChain(0, llm, RuleClassifier{}).Classify(context.Background(), "buy stock X, 10 units", nil)
	if intent.Confidence != 0.7 {
		t.Fatalf("default floor confidence = %v", intent.Confidence)
	}
}
