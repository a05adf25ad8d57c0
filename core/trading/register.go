package trading

import (
	"github.com/cordum/tradeflow/core/registry"
)

// Deps are the external collaborators the trading capabilities use.
type Deps struct {
	Market    MarketData
	Portfolio Portfolio
	Broker    Broker
}

// PaperDeps wires the in-memory market, portfolio and broker.
func PaperDeps() Deps {
	portfolio := DefaultPaperPortfolio()
	return Deps{
		Market:    DefaultPaperMarket(),
		Portfolio: portfolio,
		Broker:    NewPaperBroker(portfolio),
	}
}

// Register adds the trading workers, glossary and workflows to b.
func Register(b *registry.Builder, deps Deps) *registry.Builder {
	f := &flows{market: deps.Market, portfolio: deps.Portfolio, broker: deps.Broker}
	return b.
		Worker(PriceWorker(deps.Market)).
		Worker(HoldingsWorker(deps.Market, deps.Portfolio)).
		Answerer("glossary", Glossary).
		Workflow(f.TradingWorkflow()).
		Workflow(f.RebalanceWorkflow()).
		Workflow(f.AnalysisWorkflow()).
		Workflow(f.ClarifyWorkflow())
}
