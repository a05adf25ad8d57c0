package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/tradeflow/core/infra/locks"
	"github.com/redis/go-redis/v9"
)

type testCatalog map[string]*Definition

func (c testCatalog) Workflow(name string) (*Definition, bool) {
	def, ok := c[name]
	return def, ok
}

type recorder struct {
	mu     sync.Mutex
	events []Transition
}

func (r *recorder) Observe(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

func (r *recorder) forRun(runID string) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transition
	for _, t := range r.events {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	return out
}

type fakeBroker struct {
	mu    sync.Mutex
	calls int
	keys  map[string]int
}

func (b *fakeBroker) execute(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.keys == nil {
		b.keys = map[string]int{}
	}
	b.keys[key]++
	return b.keys[key] == 1
}

func (b *fakeBroker) distinct() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

type fixture struct {
	engine   *Engine
	store    *RedisStore
	leases   *locks.RedisStore
	observer *recorder
	broker   *fakeBroker
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStoreWithClient(client)
	leases := locks.NewRedisStoreWithClient(client)
	broker := &fakeBroker{}
	obs := &recorder{}
	catalog := testCatalog{
		"trade":   tradeDefinition(broker),
		"fanout":  fanoutDefinition(),
		"broken":  brokenDefinition(),
		"memo":    memoDefinition(),
		"panicky": panickyDefinition(),
	}
	engine := NewEngine(store, leases, catalog).WithObserver(obs)
	return &fixture{engine: engine, store: store, leases: leases, observer: obs, broker: broker, mr: mr}
}

func floatPtr(v float64) *float64 { return &v }

func simulateOrder(_ context.Context, run *RunState) error {
	qty, ok := run.Payload.Float("order.quantity")
	if !ok {
		return errors.New("order quantity missing")
	}
	price, _ := run.Payload.Float("order.price")
	held, _ := run.Payload.Float("holdings.X")
	after := held + qty
	if run.Payload.String("order.action") == "sell" {
		after = held - qty
	}
	return run.Payload.Set("simulation", map[string]any{
		"notional": qty * price,
		"before":   map[string]any{"X": held},
		"after":    map[string]any{"X": after},
	})
}

func tradeDefinition(broker *fakeBroker) *Definition {
	return &Definition{
		Name: "trade",
		Nodes: []Node{
			{Name: "prepare_order", Kind: NodeCompute, Phase: PhasePlanning, Run: func(_ context.Context, run *RunState) error {
				qty, _ := run.Context.Params["quantity"].(float64)
				if err := run.Payload.Set("holdings", map[string]any{"X": 20}); err != nil {
					return err
				}
				return run.Payload.Set("order", map[string]any{"symbol": "X", "action": "buy", "quantity": qty, "price": 10})
			}},
			{Name: "simulate", Kind: NodeCompute, Phase: PhaseTool, Run: simulateOrder},
			{Name: "trade_gate", Kind: NodeGate, Phase: PhaseGate, Gate: &GateSpec{
				Kind:       RequestKindTrade,
				Importance: ImportanceMajor,
				Fields: []FieldSpec{
					{Name: "quantity", Path: "order.quantity", Type: FieldNumber, ExclusiveMinimum: floatPtr(0)},
					{Name: "price", Path: "order.price", Type: FieldNumber, ExclusiveMinimum: floatPtr(0)},
					{Name: "action", Path: "order.action", Type: FieldString, Enum: []string{"buy", "sell"}, Action: true},
				},
				AllowActionChange: true,
				AcceptsFreeText:   true,
				Propose: func(run *RunState) (*Proposal, error) {
					order, _ := run.Payload.Get("order")
					sim, _ := run.Payload.Get("simulation")
					simMap, _ := sim.(map[string]any)
					before, _ := simMap["before"].(map[string]any)
					after, _ := simMap["after"].(map[string]any)
					orderMap, _ := order.(map[string]any)
					return &Proposal{
						Summary: orderMap,
						Before:  &Snapshot{Portfolio: before},
						After:   &Snapshot{Portfolio: after},
					}, nil
				},
				Simulate: simulateOrder,
			}},
			{Name: "execute_trade", Kind: NodeCompute, Phase: PhaseTool, SideEffect: true, Run: func(ctx context.Context, run *RunState) error {
				broker.execute(IdempotencyKey(ctx))
				return run.Payload.Set("trade_executed", true)
			}},
			{Name: "finalize", Kind: NodeCompute, Phase: PhaseFinalization, Run: func(_ context.Context, run *RunState) error {
				return run.Payload.Set(PayloadResultKey, map[string]any{"summary": "done"})
			}},
		},
	}
}

func fanoutDefinition() *Definition {
	branch := func(name, key string, val int) Node {
		return Node{Name: name, Kind: NodeCompute, Phase: PhaseDataCollection, Run: func(_ context.Context, run *RunState) error {
			return run.Payload.Set(key, val)
		}}
	}
	return &Definition{
		Name: "fanout",
		Nodes: []Node{
			{Name: "collect", Kind: NodeParallel, Phase: PhaseDataCollection, Branches: []Node{
				branch("left", "left", 1),
				branch("right", "right", 2),
			}},
			{Name: "join", Kind: NodeCompute, Phase: PhaseFinalization, Run: func(_ context.Context, run *RunState) error {
				l, _ := run.Payload.Float("left")
				r, _ := run.Payload.Float("right")
				return run.Payload.Set(PayloadResultKey, map[string]any{"sum": l + r})
			}},
		},
	}
}

func brokenDefinition() *Definition {
	return &Definition{
		Name: "broken",
		Nodes: []Node{
			{Name: "fetch", Kind: NodeCompute, Phase: PhaseDataCollection, Run: func(context.Context, *RunState) error {
				return errors.New("upstream unavailable")
			}},
			{Name: "never", Kind: NodeCompute, Phase: PhaseFinalization, Run: func(context.Context, *RunState) error {
				panic("must not run")
			}},
		},
	}
}

func panickyDefinition() *Definition {
	return &Definition{
		Name: "panicky",
		Nodes: []Node{
			{Name: "boom", Kind: NodeCompute, Phase: PhaseTool, Run: func(context.Context, *RunState) error {
				panic("kaboom")
			}},
		},
	}
}

func memoDefinition() *Definition {
	return &Definition{
		Name: "memo",
		Nodes: []Node{
			{Name: "draft", Kind: NodeCompute, Phase: PhasePlanning, Run: func(_ context.Context, run *RunState) error {
				return run.Payload.Set("draft", "memo")
			}},
			{Name: "memo_gate", Kind: NodeGate, Phase: PhaseGate, Gate: &GateSpec{
				Kind:       RequestKindPlan,
				Importance: ImportanceMinor,
				Propose: func(run *RunState) (*Proposal, error) {
					return &Proposal{Summary: map[string]any{"draft": run.Payload.String("draft")}}, nil
				},
			}},
			{Name: "publish", Kind: NodeCompute, Phase: PhaseFinalization, Run: func(_ context.Context, run *RunState) error {
				return run.Payload.Set(PayloadResultKey, map[string]any{"published": true})
			}},
		},
	}
}

func startTrade(t *testing.T, f *fixture, level AutomationLevel, qty float64) *RunState {
	t.Helper()
	run, err := f.engine.Start(context.Background(), StartRequest{
		Workflow:   "trade",
		Automation: level,
		Context:    RunContext{Query: "buy stock X, 10 units", Params: map[string]any{"quantity": qty}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return run
}

func assertGapFree(t *testing.T, events []Transition) {
	t.Helper()
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("event %d has sequence %d (kind=%s node=%s)", i, ev.Sequence, ev.Kind, ev.Node)
		}
	}
}
