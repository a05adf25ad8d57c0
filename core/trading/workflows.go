package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cordum/tradeflow/core/infra/logging"
	"github.com/cordum/tradeflow/core/workflow"
)

// Workflow names.
const (
	WorkflowTrading   = "trading"
	WorkflowRebalance = "rebalance"
	WorkflowAnalysis  = "analysis"
	WorkflowClarify   = "clarify"
)

// DefaultRebalanceThreshold is the weight drift that triggers an order.
const DefaultRebalanceThreshold = 0.05

// Upper bounds for a single order.
const (
	MaxOrderQuantity = 1e9
	MaxOrderPrice    = 1e7
)

var errMissingParam = errors.New("missing parameter")

type flows struct {
	market    MarketData
	portfolio Portfolio
	broker    Broker
}

func ptr(v float64) *float64 { return &v }

// TradingWorkflow buys or sells a single instrument after human approval.
func (f *flows) TradingWorkflow() *workflow.Definition {
	return &workflow.Definition{
		Name:        WorkflowTrading,
		Description: "Buy or sell one instrument",
		Nodes: []workflow.Node{
			{Name: "prepare_order", Kind: workflow.NodeCompute, Phase: workflow.PhasePlanning, Run: f.prepareOrder},
			{Name: "load_portfolio", Kind: workflow.NodeCompute, Phase: workflow.PhaseDataCollection, Run: f.loadPortfolio},
			{Name: "simulate", Kind: workflow.NodeCompute, Phase: workflow.PhaseTool, Run: f.simulateOrder},
			{
				Name:  "trade_gate",
				Kind:  workflow.NodeGate,
				Phase: workflow.PhaseGate,
				Gate: &workflow.GateSpec{
					Kind:       workflow.RequestKindTrade,
					Importance: workflow.ImportanceMajor,
					Fields: []workflow.FieldSpec{
						{Name: "quantity", Path: "order.quantity", Type: workflow.FieldNumber, ExclusiveMinimum: ptr(0), Maximum: ptr(MaxOrderQuantity)},
						{Name: "price", Path: "order.price", Type: workflow.FieldNumber, ExclusiveMinimum: ptr(0), Maximum: ptr(MaxOrderPrice)},
						{Name: "action", Path: "order.action", Type: workflow.FieldString, Enum: []string{string(ActionBuy), string(ActionSell)}, Action: true},
					},
					AllowActionChange: true,
					AcceptsFreeText:   true,
					Propose:           f.proposeTrade,
					Simulate:          f.simulateOrder,
				},
			},
			{Name: "execute_trade", Kind: workflow.NodeCompute, Phase: workflow.PhaseTool, Run: f.executeTrade, SideEffect: true},
			{Name: "finalize", Kind: workflow.NodeCompute, Phase: workflow.PhaseFinalization, Run: f.finalizeTrade},
		},
	}
}

func (f *flows) prepareOrder(ctx context.Context, run *workflow.RunState) error {
	p := run.Context.Params
	symbol := strings.ToUpper(strings.TrimSpace(paramString(p, "symbol")))
	if symbol == "" {
		return fmt.Errorf("%w: symbol", errMissingParam)
	}
	action := Action(strings.ToLower(paramString(p, "action")))
	if action == "" {
		action = ActionBuy
	}
	qty, _ := paramFloat(p, "quantity")
	q, err := f.market.Quote(ctx, symbol)
	if err != nil {
		return err
	}
	price, ok := paramFloat(p, "price")
	if !ok || price <= 0 {
		price = q.Price
	}
	order := Order{Symbol: symbol, Action: action, Quantity: qty, Price: price}
	if err := order.validate(); err != nil {
		return err
	}
	if err := run.Payload.Set("quote", q); err != nil {
		return err
	}
	return run.Payload.Set("order", order)
}

func (f *flows) loadPortfolio(ctx context.Context, run *workflow.RunState) error {
	h, err := f.portfolio.Holdings(ctx, run.Context.UserID)
	if errors.Is(err, ErrNoHoldings) {
		logging.Info("trading", "no holdings on record, simulating without comparison", "run_id", run.RunID, "account", accountOrDefault(run.Context.UserID))
		return nil
	}
	if err != nil {
		return err
	}
	return run.Payload.Set("holdings", h)
}

// simulateOrder also serves as the gate's re-simulation after a modify.
func (f *flows) simulateOrder(ctx context.Context, run *workflow.RunState) error {
	var order Order
	if err := run.Payload.Decode("order", &order); err != nil {
		return err
	}
	if err := order.validate(); err != nil {
		return err
	}
	var holdings *Holdings
	if _, ok := run.Payload.Get("holdings"); ok {
		holdings = &Holdings{}
		if err := run.Payload.Decode("holdings", holdings); err != nil {
			return err
		}
	}
	sim, err := simulateTrade(ctx, f.market, holdings, order)
	if err != nil {
		return err
	}
	return run.Payload.Set("simulation", sim)
}

func (f *flows) proposeTrade(run *workflow.RunState) (*workflow.Proposal, error) {
	var order Order
	if err := run.Payload.Decode("order", &order); err != nil {
		return nil, err
	}
	var sim TradeSimulation
	if err := run.Payload.Decode("simulation", &sim); err != nil {
		return nil, err
	}
	summary := map[string]any{
		"symbol":   order.Symbol,
		"action":   order.Action,
		"quantity": order.Quantity,
		"price":    order.Price,
		"notional": sim.Notional,
	}
	if len(sim.Warnings) > 0 {
		summary["warnings"] = sim.Warnings
	}
	if note := run.Payload.String("trade_gate_instructions"); note != "" {
		summary["instructions"] = note
	}
	before, after := comparison(sim.Before, sim.After)
	return &workflow.Proposal{Summary: summary, Before: before, After: after}, nil
}

func (f *flows) executeTrade(ctx context.Context, run *workflow.RunState) error {
	var order Order
	if err := run.Payload.Decode("order", &order); err != nil {
		return err
	}
	exec, err := f.broker.Execute(ctx, workflow.IdempotencyKey(ctx), run.Context.UserID, order)
	if err != nil {
		return err
	}
	if err := run.Payload.Set("execution", exec); err != nil {
		return err
	}
	return run.Payload.Set("trade_executed", true)
}

func (f *flows) finalizeTrade(_ context.Context, run *workflow.RunState) error {
	var exec Execution
	if err := run.Payload.Decode("execution", &exec); err != nil {
		return err
	}
	verb := "Bought"
	if exec.Order.Action == ActionSell {
		verb = "Sold"
	}
	return run.Payload.Set(workflow.PayloadResultKey, map[string]any{
		"summary":        fmt.Sprintf("%s %s %s at %.2f (notional %.2f)", verb, formatQty(exec.Order.Quantity), exec.Order.Symbol, exec.Order.Price, exec.Notional),
		"execution_id":   exec.ID,
		"order":          exec.Order,
		"trade_executed": true,
	})
}

// RebalanceWorkflow moves portfolio weights back toward targets.
func (f *flows) RebalanceWorkflow() *workflow.Definition {
	return &workflow.Definition{
		Name:        WorkflowRebalance,
		Description: "Rebalance the portfolio toward target weights",
		Nodes: []workflow.Node{
			{Name: "analyze_portfolio", Kind: workflow.NodeCompute, Phase: workflow.PhaseDataCollection, Run: f.analyzePortfolio},
			{
				Name:  "assess",
				Kind:  workflow.NodeParallel,
				Phase: workflow.PhaseTool,
				Branches: []workflow.Node{
					{Name: "risk_scan", Kind: workflow.NodeCompute, Phase: workflow.PhaseTool, Run: f.riskScan},
					{Name: "drift_scan", Kind: workflow.NodeCompute, Phase: workflow.PhaseTool, Run: f.driftScan},
				},
			},
			{Name: "plan_rebalance", Kind: workflow.NodeCompute, Phase: workflow.PhasePlanning, Run: f.planRebalance},
			{
				Name:  "rebalance_gate",
				Kind:  workflow.NodeGate,
				Phase: workflow.PhaseGate,
				Gate: &workflow.GateSpec{
					Kind:       workflow.RequestKindRebalance,
					Importance: workflow.ImportanceMajor,
					Fields: []workflow.FieldSpec{
						{Name: "threshold", Path: "rebalance.threshold", Type: workflow.FieldNumber, ExclusiveMinimum: ptr(0), Maximum: ptr(0.5)},
					},
					AcceptsFreeText: true,
					Propose:         f.proposeRebalance,
					Simulate:        f.planRebalance,
				},
			},
			{Name: "execute_rebalance", Kind: workflow.NodeCompute, Phase: workflow.PhaseTool, Run: f.executeRebalance, SideEffect: true},
			{Name: "finalize", Kind: workflow.NodeCompute, Phase: workflow.PhaseFinalization, Run: f.finalizeRebalance},
		},
	}
}

func (f *flows) analyzePortfolio(ctx context.Context, run *workflow.RunState) error {
	h, err := f.portfolio.Holdings(ctx, run.Context.UserID)
	if err != nil {
		return err
	}
	prices, err := quotes(ctx, f.market, sortedSymbols(h.Positions)...)
	if err != nil {
		return err
	}
	v, err := value(h, prices)
	if err != nil {
		return err
	}
	targets := targetWeights(run.Context, h)
	threshold, ok := paramFloat(run.Context.Params, "threshold")
	if !ok || threshold <= 0 {
		threshold = DefaultRebalanceThreshold
	}
	for key, val := range map[string]any{
		"portfolio":           v,
		"prices":              prices,
		"targets":             targets,
		"rebalance.threshold": threshold,
	} {
		if err := run.Payload.Set(key, val); err != nil {
			return err
		}
	}
	return nil
}

func (f *flows) riskScan(_ context.Context, run *workflow.RunState) error {
	var v Valuation
	if err := run.Payload.Decode("portfolio", &v); err != nil {
		return err
	}
	return run.Payload.Set("risk", risk(&v))
}

func (f *flows) driftScan(_ context.Context, run *workflow.RunState) error {
	var v Valuation
	if err := run.Payload.Decode("portfolio", &v); err != nil {
		return err
	}
	targets := map[string]float64{}
	if err := run.Payload.Decode("targets", &targets); err != nil {
		return err
	}
	drift := map[string]float64{}
	for sym, w := range v.Weights {
		drift[sym] = round4(w - targets[sym])
	}
	for sym, t := range targets {
		if _, ok := v.Weights[sym]; !ok {
			drift[sym] = round4(-t)
		}
	}
	return run.Payload.Set("drift", drift)
}

// planRebalance also serves as the gate's re-simulation after a modify.
func (f *flows) planRebalance(ctx context.Context, run *workflow.RunState) error {
	var v Valuation
	if err := run.Payload.Decode("portfolio", &v); err != nil {
		return err
	}
	targets := map[string]float64{}
	if err := run.Payload.Decode("targets", &targets); err != nil {
		return err
	}
	prices := map[string]float64{}
	if err := run.Payload.Decode("prices", &prices); err != nil {
		return err
	}
	var missing []string
	for sym := range targets {
		if _, ok := prices[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		extra, err := quotes(ctx, f.market, missing...)
		if err != nil {
			return err
		}
		for sym, p := range extra {
			prices[sym] = p
		}
	}
	threshold, ok := run.Payload.Float("rebalance.threshold")
	if !ok {
		threshold = DefaultRebalanceThreshold
	}
	plan, err := planRebalance(&v, targets, prices, threshold)
	if err != nil {
		return err
	}
	return run.Payload.Set("rebalance.plan", plan)
}

func (f *flows) proposeRebalance(run *workflow.RunState) (*workflow.Proposal, error) {
	var plan RebalancePlan
	if err := run.Payload.Decode("rebalance.plan", &plan); err != nil {
		return nil, err
	}
	summary := map[string]any{
		"threshold":   plan.Threshold,
		"orders":      plan.Orders,
		"order_count": len(plan.Orders),
		"turnover":    plan.Turnover,
	}
	if note := run.Payload.String("rebalance_gate_instructions"); note != "" {
		summary["instructions"] = note
	}
	before, after := comparison(plan.Before, plan.After)
	return &workflow.Proposal{Summary: summary, Before: before, After: after}, nil
}

func (f *flows) executeRebalance(ctx context.Context, run *workflow.RunState) error {
	var plan RebalancePlan
	if err := run.Payload.Decode("rebalance.plan", &plan); err != nil {
		return err
	}
	key := workflow.IdempotencyKey(ctx)
	execs := make([]*Execution, 0, len(plan.Orders))
	for i, o := range plan.Orders {
		exec, err := f.broker.Execute(ctx, key+":"+strconv.Itoa(i), run.Context.UserID, o)
		if err != nil {
			return fmt.Errorf("order %d (%s %s): %w", i, o.Action, o.Symbol, err)
		}
		execs = append(execs, exec)
	}
	if err := run.Payload.Set("executions", execs); err != nil {
		return err
	}
	return run.Payload.Set("rebalance_executed", true)
}

func (f *flows) finalizeRebalance(_ context.Context, run *workflow.RunState) error {
	var execs []Execution
	if err := run.Payload.Decode("executions", &execs); err != nil {
		return err
	}
	summary := "Portfolio already within target weights; no orders placed"
	if len(execs) > 0 {
		summary = fmt.Sprintf("Placed %d rebalance orders", len(execs))
	}
	ids := make([]string, 0, len(execs))
	for _, e := range execs {
		ids = append(ids, e.ID)
	}
	return run.Payload.Set(workflow.PayloadResultKey, map[string]any{
		"summary":       summary,
		"execution_ids": ids,
	})
}

// AnalysisWorkflow researches one instrument and drafts a report.
func (f *flows) AnalysisWorkflow() *workflow.Definition {
	return &workflow.Definition{
		Name:        WorkflowAnalysis,
		Description: "Research an instrument and draft a report",
		Nodes: []workflow.Node{
			{Name: "collect_market_data", Kind: workflow.NodeCompute, Phase: workflow.PhaseDataCollection, Run: f.collectMarketData},
			{
				Name:  "research",
				Kind:  workflow.NodeParallel,
				Phase: workflow.PhaseTool,
				Branches: []workflow.Node{
					{Name: "fundamental", Kind: workflow.NodeCompute, Phase: workflow.PhaseTool, Run: f.fundamental},
					{Name: "technical", Kind: workflow.NodeCompute, Phase: workflow.PhaseTool, Run: f.technical},
				},
			},
			{Name: "draft_report", Kind: workflow.NodeCompute, Phase: workflow.PhasePlanning, Run: f.draftReport},
			{
				Name:  "report_gate",
				Kind:  workflow.NodeGate,
				Phase: workflow.PhaseGate,
				Gate: &workflow.GateSpec{
					Kind:            workflow.RequestKindPlan,
					Importance:      workflow.ImportanceMinor,
					AcceptsFreeText: true,
					Propose:         f.proposeReport,
					Simulate:        f.draftReport,
				},
			},
			{Name: "finalize", Kind: workflow.NodeCompute, Phase: workflow.PhaseFinalization, Run: f.finalizeReport},
		},
	}
}

func (f *flows) collectMarketData(ctx context.Context, run *workflow.RunState) error {
	symbol := strings.ToUpper(strings.TrimSpace(paramString(run.Context.Params, "symbol")))
	if symbol == "" {
		return fmt.Errorf("%w: symbol", errMissingParam)
	}
	q, err := f.market.Quote(ctx, symbol)
	if err != nil {
		return err
	}
	history, err := f.market.History(ctx, symbol, 30)
	if err != nil {
		return err
	}
	return run.Payload.Set("market", map[string]any{"quote": q, "history": history})
}

func (f *flows) fundamental(ctx context.Context, run *workflow.RunState) error {
	var q Quote
	if err := run.Payload.Decode("market.quote", &q); err != nil {
		return err
	}
	fund, err := f.market.Fundamentals(ctx, q.Symbol)
	if err != nil {
		return err
	}
	rating := "fair"
	switch {
	case fund.PERatio > 0 && fund.PERatio < 18 && fund.EPSGrowth > 0:
		rating = "attractive"
	case fund.PERatio > 30:
		rating = "expensive"
	}
	return run.Payload.Set("fundamental", map[string]any{"figures": fund, "rating": rating})
}

func (f *flows) technical(_ context.Context, run *workflow.RunState) error {
	var history []float64
	if err := run.Payload.Decode("market.history", &history); err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no price history")
	}
	short, long := sma(history, 5), sma(history, 20)
	trend := "flat"
	switch {
	case short > long*1.005:
		trend = "up"
	case short < long*0.995:
		trend = "down"
	}
	momentum := 0.0
	if history[0] > 0 {
		momentum = round4(history[len(history)-1]/history[0] - 1)
	}
	return run.Payload.Set("technical", map[string]any{
		"sma_5":    round2(short),
		"sma_20":   round2(long),
		"trend":    trend,
		"momentum": momentum,
	})
}

// draftReport also serves as the gate's re-simulation after free-text edits.
func (f *flows) draftReport(_ context.Context, run *workflow.RunState) error {
	var q Quote
	if err := run.Payload.Decode("market.quote", &q); err != nil {
		return err
	}
	rating := run.Payload.String("fundamental.rating")
	trend := run.Payload.String("technical.trend")
	momentum, _ := run.Payload.Float("technical.momentum")
	body := []string{
		fmt.Sprintf("%s last traded at %.2f.", q.Symbol, q.Price),
		fmt.Sprintf("Valuation looks %s on fundamentals.", rating),
		fmt.Sprintf("The price trend is %s with %.1f%% momentum over the window.", trend, momentum*100),
	}
	if style := paramString(run.Context.Personalization, "report_style"); style != "" {
		body = append(body, "Style: "+style+".")
	}
	if note := run.Payload.String("report_gate_instructions"); note != "" {
		body = append(body, "Reviewer note: "+note)
	}
	return run.Payload.Set("report", map[string]any{
		"symbol":   q.Symbol,
		"headline": fmt.Sprintf("%s: %s valuation, %s trend", q.Symbol, rating, trend),
		"body":     strings.Join(body, " "),
	})
}

func (f *flows) proposeReport(run *workflow.RunState) (*workflow.Proposal, error) {
	v, ok := run.Payload.Get("report")
	if !ok {
		return nil, errors.New("no report drafted")
	}
	report, _ := v.(map[string]any)
	return &workflow.Proposal{Summary: report}, nil
}

func (f *flows) finalizeReport(_ context.Context, run *workflow.RunState) error {
	v, ok := run.Payload.Get("report")
	if !ok {
		return errors.New("no report drafted")
	}
	report, _ := v.(map[string]any)
	return run.Payload.Set(workflow.PayloadResultKey, map[string]any{
		"summary": report["headline"],
		"report":  report,
	})
}

// ClarifyWorkflow asks the user to restate an ambiguous query.
func (f *flows) ClarifyWorkflow() *workflow.Definition {
	return &workflow.Definition{
		Name:        WorkflowClarify,
		Description: "Ask the user to clarify an ambiguous request",
		Nodes: []workflow.Node{
			{Name: "finalize", Kind: workflow.NodeCompute, Phase: workflow.PhaseFinalization, Run: clarifyResult},
		},
	}
}

func clarifyResult(_ context.Context, run *workflow.RunState) error {
	prompt := paramString(run.Context.Params, "prompt")
	if prompt == "" {
		prompt = "Could you rephrase your request?"
	}
	result := map[string]any{"summary": prompt, "needs_clarification": true}
	if reason := paramString(run.Context.Params, "reason"); reason != "" {
		result["reason"] = reason
	}
	return run.Payload.Set(workflow.PayloadResultKey, result)
}

// targetWeights reads targets from params, then personalization, falling
// back to equal weights across held symbols. Targets summing above one are
// scaled down.
func targetWeights(rc workflow.RunContext, h *Holdings) map[string]float64 {
	targets := weightsFrom(rc.Params["targets"])
	if len(targets) == 0 {
		targets = weightsFrom(rc.Personalization["target_weights"])
	}
	if len(targets) == 0 && len(h.Positions) > 0 {
		// Keep a slice of cash so buys stay fundable.
		each := 0.95 / float64(len(h.Positions))
		for sym := range h.Positions {
			targets[sym] = round4(each)
		}
	}
	total := 0.0
	for _, w := range targets {
		total += w
	}
	if total > 1 {
		for sym, w := range targets {
			targets[sym] = round4(w / total)
		}
	}
	return targets
}

func weightsFrom(v any) map[string]float64 {
	out := map[string]float64{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for sym, raw := range m {
		if w, ok := toFloat(raw); ok && w >= 0 {
			out[strings.ToUpper(sym)] = w
		}
	}
	return out
}

func paramString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func paramFloat(m map[string]any, key string) (float64, bool) {
	return toFloat(m[key])
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func sma(values []float64, window int) float64 {
	if window > len(values) {
		window = len(values)
	}
	sum := 0.0
	for _, v := range values[len(values)-window:] {
		sum += v
	}
	return sum / float64(window)
}

func formatQty(q float64) string {
	if q == math.Trunc(q) {
		return strconv.FormatFloat(q, 'f', 0, 64)
	}
	return strconv.FormatFloat(q, 'f', -1, 64)
}

// Names lists the workflow names this package registers.
func Names() []string {
	return []string{WorkflowAnalysis, WorkflowClarify, WorkflowRebalance, WorkflowTrading}
}
