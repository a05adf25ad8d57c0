package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/cordum/tradeflow/core/workflow"
)

// TradeSimulation is the projected effect of an order. Before and After are
// absent when the account's holdings are unknown.
type TradeSimulation struct {
	Notional float64    `json:"notional"`
	Before   *Valuation `json:"before,omitempty"`
	After    *Valuation `json:"after,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
}

// simulateTrade applies order to holdings at the order price. Other
// positions are valued at market.
func simulateTrade(ctx context.Context, market MarketData, h *Holdings, o Order) (*TradeSimulation, error) {
	sim := &TradeSimulation{Notional: round2(o.Notional())}
	if h == nil {
		sim.Warnings = append(sim.Warnings, "holdings unavailable; no before/after comparison")
		return sim, nil
	}
	prices, err := quotes(ctx, market, sortedSymbols(h.Positions)...)
	if err != nil {
		return nil, err
	}
	prices[o.Symbol] = o.Price
	before, err := value(h, prices)
	if err != nil {
		return nil, err
	}
	after := h.Clone()
	held := after.Positions[o.Symbol]
	switch o.Action {
	case ActionSell:
		if o.Quantity > held {
			sim.Warnings = append(sim.Warnings, fmt.Sprintf("sell quantity %.2f exceeds position %.2f", o.Quantity, held))
		}
		after.Positions[o.Symbol] = held - o.Quantity
		after.Cash += o.Notional()
	default:
		after.Positions[o.Symbol] = held + o.Quantity
		after.Cash -= o.Notional()
	}
	if after.Positions[o.Symbol] == 0 {
		delete(after.Positions, o.Symbol)
	}
	if after.Cash < 0 {
		sim.Warnings = append(sim.Warnings, "order exceeds available cash")
	}
	afterVal, err := value(after, prices)
	if err != nil {
		return nil, err
	}
	sim.Before, sim.After = before, afterVal
	return sim, nil
}

// RebalancePlan is the set of orders that moves weights toward targets.
type RebalancePlan struct {
	Threshold float64    `json:"threshold"`
	Orders    []Order    `json:"orders"`
	Turnover  float64    `json:"turnover"`
	Before    *Valuation `json:"before"`
	After     *Valuation `json:"after"`
}

// planRebalance sizes whole-unit orders for every symbol whose weight drifts
// from target by at least threshold. Sells are listed before buys.
func planRebalance(v *Valuation, targets, prices map[string]float64, threshold float64) (*RebalancePlan, error) {
	if v == nil || v.TotalValue <= 0 {
		return nil, errors.New("portfolio has no value to rebalance")
	}
	plan := &RebalancePlan{Threshold: threshold, Before: v}
	symbols := map[string]float64{}
	for sym := range v.Weights {
		symbols[sym] = 0
	}
	for sym := range targets {
		symbols[sym] = 0
	}
	var sells, buys []Order
	for _, sym := range sortedSymbols(symbols) {
		drift := v.Weights[sym] - targets[sym]
		if drift < threshold && drift > -threshold {
			continue
		}
		price, ok := prices[sym]
		if !ok || price <= 0 {
			return nil, fmt.Errorf("%w: no price for %s", ErrUnknownSymbol, sym)
		}
		units := float64(int64(abs(drift) * v.TotalValue / price))
		if units == 0 {
			continue
		}
		o := Order{Symbol: sym, Quantity: units, Price: price}
		if drift > 0 {
			o.Action = ActionSell
			sells = append(sells, o)
		} else {
			o.Action = ActionBuy
			buys = append(buys, o)
		}
		plan.Turnover += o.Notional()
	}
	plan.Orders = append(sells, buys...)
	plan.Turnover = round2(plan.Turnover)

	after := &Holdings{Cash: v.Cash, Positions: map[string]float64{}}
	for sym, qty := range v.Positions {
		after.Positions[sym] = qty
	}
	for _, o := range plan.Orders {
		if o.Action == ActionSell {
			after.Positions[o.Symbol] -= o.Quantity
			after.Cash += o.Notional()
		} else {
			after.Positions[o.Symbol] += o.Quantity
			after.Cash -= o.Notional()
		}
		if after.Positions[o.Symbol] == 0 {
			delete(after.Positions, o.Symbol)
		}
	}
	afterVal, err := value(after, prices)
	if err != nil {
		return nil, err
	}
	plan.After = afterVal
	return plan, nil
}

func comparison(before, after *Valuation) (*workflow.Snapshot, *workflow.Snapshot) {
	if before == nil || after == nil {
		return nil, nil
	}
	return snapshot(before), snapshot(after)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
