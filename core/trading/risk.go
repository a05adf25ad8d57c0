package trading

import (
	"context"
	"fmt"
	"math"

	"github.com/cordum/tradeflow/core/workflow"
)

// Valuation prices a set of holdings.
type Valuation struct {
	Cash       float64            `json:"cash"`
	Positions  map[string]float64 `json:"positions"`
	Values     map[string]float64 `json:"values"`
	Weights    map[string]float64 `json:"weights"`
	TotalValue float64            `json:"total_value"`
}

// RiskMetrics summarize concentration and liquidity.
type RiskMetrics struct {
	Concentration   float64 `json:"concentration"`
	LargestPosition string  `json:"largest_position,omitempty"`
	HHI             float64 `json:"hhi"`
	CashRatio       float64 `json:"cash_ratio"`
	Positions       int     `json:"positions"`
}

// value prices h at the given quotes. Symbols without a quote are an error.
func value(h *Holdings, prices map[string]float64) (*Valuation, error) {
	v := &Valuation{
		Cash:      round2(h.Cash),
		Positions: map[string]float64{},
		Values:    map[string]float64{},
		Weights:   map[string]float64{},
	}
	total := h.Cash
	for _, sym := range sortedSymbols(h.Positions) {
		qty := h.Positions[sym]
		price, ok := prices[sym]
		if !ok {
			return nil, fmt.Errorf("%w: no price for %s", ErrUnknownSymbol, sym)
		}
		v.Positions[sym] = qty
		v.Values[sym] = round2(qty * price)
		total += qty * price
	}
	v.TotalValue = round2(total)
	if total > 0 {
		for sym, val := range v.Values {
			v.Weights[sym] = round4(val / total)
		}
	}
	return v, nil
}

func risk(v *Valuation) RiskMetrics {
	m := RiskMetrics{Positions: len(v.Positions)}
	if v.TotalValue <= 0 {
		return m
	}
	for _, sym := range sortedSymbols(v.Weights) {
		w := v.Weights[sym]
		m.HHI += w * w
		if w > m.Concentration {
			m.Concentration = w
			m.LargestPosition = sym
		}
	}
	m.HHI = round4(m.HHI)
	m.CashRatio = round4(v.Cash / v.TotalValue)
	return m
}

// snapshot renders a valuation for an approval comparison.
func snapshot(v *Valuation) *workflow.Snapshot {
	r := risk(v)
	return &workflow.Snapshot{
		Portfolio: map[string]any{
			"cash":        v.Cash,
			"positions":   v.Positions,
			"values":      v.Values,
			"weights":     v.Weights,
			"total_value": v.TotalValue,
		},
		Risk: map[string]any{
			"concentration":    r.Concentration,
			"largest_position": r.LargestPosition,
			"hhi":              r.HHI,
			"cash_ratio":       r.CashRatio,
			"positions":        r.Positions,
		},
	}
}

// quotes prices every symbol in syms.
func quotes(ctx context.Context, market MarketData, syms ...string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, sym := range syms {
		if _, ok := out[sym]; ok {
			continue
		}
		q, err := market.Quote(ctx, sym)
		if err != nil {
			return nil, err
		}
		out[sym] = q.Price
	}
	return out, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
