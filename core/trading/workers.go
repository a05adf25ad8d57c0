package trading

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cordum/tradeflow/core/registry"
)

var (
	pricePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(?:what(?:'s| is) the )?(?:price|quote) (?:of|for) (?P<symbol>[a-z]{1,5})\s*\??\s*$`),
		regexp.MustCompile(`(?i)^\s*(?P<symbol>[a-z]{1,5}) (?:price|quote)\s*\??\s*$`),
	}
	holdingsPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(?:show(?: me)?|what are|list)?\s*my (?:holdings|positions|portfolio)\s*\??\s*$`),
	}
)

// PriceWorker answers "price of X" lookups.
func PriceWorker(market MarketData) registry.Worker {
	return registry.Worker{
		Name:        "price_lookup",
		Description: "Latest price for one instrument",
		Patterns:    pricePatterns,
		Required:    []string{"symbol"},
		Run: func(ctx context.Context, params registry.Params) (*registry.Result, error) {
			symbol := strings.ToUpper(params["symbol"])
			q, err := market.Quote(ctx, symbol)
			if err != nil {
				return nil, err
			}
			return &registry.Result{
				Message: fmt.Sprintf("%s is trading at %.2f", q.Symbol, q.Price),
				Data:    map[string]any{"quote": q},
			}, nil
		},
	}
}

// HoldingsWorker lists the caller's positions at market value.
func HoldingsWorker(market MarketData, portfolio Portfolio) registry.Worker {
	return registry.Worker{
		Name:        "holdings_lookup",
		Description: "Current positions and cash",
		Patterns:    holdingsPatterns,
		Run: func(ctx context.Context, params registry.Params) (*registry.Result, error) {
			h, err := portfolio.Holdings(ctx, params[registry.ParamUserID])
			if err != nil {
				return nil, err
			}
			prices, err := quotes(ctx, market, sortedSymbols(h.Positions)...)
			if err != nil {
				return nil, err
			}
			v, err := value(h, prices)
			if err != nil {
				return nil, err
			}
			lines := make([]string, 0, len(v.Positions)+1)
			for _, sym := range sortedSymbols(v.Positions) {
				lines = append(lines, fmt.Sprintf("%s %s (%.2f)", formatQty(v.Positions[sym]), sym, v.Values[sym]))
			}
			lines = append(lines, fmt.Sprintf("cash %.2f", v.Cash))
			return &registry.Result{
				Message: fmt.Sprintf("Portfolio value %.2f: %s", v.TotalValue, strings.Join(lines, ", ")),
				Data:    map[string]any{"portfolio": v, "risk": risk(v)},
			}, nil
		},
	}
}
