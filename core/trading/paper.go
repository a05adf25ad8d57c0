package trading

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAccount is used when a query carries no user id.
const DefaultAccount = "demo"

// PaperMarket serves fixed prices and deterministic synthetic history.
type PaperMarket struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewPaperMarket builds a market from symbol -> price.
func NewPaperMarket(prices map[string]float64) *PaperMarket {
	m := &PaperMarket{prices: map[string]float64{}}
	for sym, p := range prices {
		m.prices[strings.ToUpper(sym)] = p
	}
	return m
}

// DefaultPaperMarket lists a handful of liquid names.
func DefaultPaperMarket() *PaperMarket {
	return NewPaperMarket(map[string]float64{
		"AAPL": 189.5, "MSFT": 410.2, "GOOG": 152.3, "AMZN": 178.9,
		"NVDA": 880.1, "SPY": 512.4, "BND": 72.6, "X": 10,
	})
}

// SetPrice updates a quote.
func (m *PaperMarket) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[strings.ToUpper(symbol)] = price
}

// Quote implements MarketData.
func (m *PaperMarket) Quote(_ context.Context, symbol string) (Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	price, ok := m.prices[sym]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return Quote{Symbol: sym, Price: price, AsOf: time.Now().UTC()}, nil
}

// History implements MarketData. The series oscillates around the current
// price with a per-symbol drift, ending at the current price.
func (m *PaperMarket) History(ctx context.Context, symbol string, points int) ([]float64, error) {
	q, err := m.Quote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if points <= 0 {
		points = 30
	}
	seed := symbolSeed(q.Symbol)
	drift := (float64(seed%7) - 3) / 300
	out := make([]float64, points)
	for i := 0; i < points; i++ {
		back := float64(points - 1 - i)
		wave := math.Sin(float64(i)+float64(seed%11)) * 0.01
		out[i] = round2(q.Price * (1 - drift*back + wave*back/float64(points)))
	}
	out[points-1] = q.Price
	return out, nil
}

// Fundamentals implements MarketData.
func (m *PaperMarket) Fundamentals(ctx context.Context, symbol string) (Fundamentals, error) {
	q, err := m.Quote(ctx, symbol)
	if err != nil {
		return Fundamentals{}, err
	}
	seed := symbolSeed(q.Symbol)
	return Fundamentals{
		Symbol:        q.Symbol,
		PERatio:       round2(10 + float64(seed%300)/10),
		DividendYield: round2(float64(seed%40) / 10),
		EPSGrowth:     round2((float64(seed%50) - 15) / 100),
	}, nil
}

// PaperPortfolio keeps holdings in memory.
type PaperPortfolio struct {
	mu       sync.RWMutex
	accounts map[string]*Holdings
}

// NewPaperPortfolio builds a portfolio from account -> holdings.
func NewPaperPortfolio(accounts map[string]*Holdings) *PaperPortfolio {
	p := &PaperPortfolio{accounts: map[string]*Holdings{}}
	for name, h := range accounts {
		p.accounts[name] = h.Clone()
	}
	return p
}

// DefaultPaperPortfolio seeds the demo account.
func DefaultPaperPortfolio() *PaperPortfolio {
	return NewPaperPortfolio(map[string]*Holdings{
		DefaultAccount: {Cash: 25000, Positions: map[string]float64{"AAPL": 40, "MSFT": 15, "BND": 120, "X": 20}},
	})
}

// Holdings implements Portfolio.
func (p *PaperPortfolio) Holdings(_ context.Context, account string) (*Holdings, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.accounts[accountOrDefault(account)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHoldings, account)
	}
	return h.Clone(), nil
}

// Apply books a fill against an account.
func (p *PaperPortfolio) Apply(account string, o Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := accountOrDefault(account)
	h, ok := p.accounts[name]
	if !ok {
		h = &Holdings{Positions: map[string]float64{}}
		p.accounts[name] = h
	}
	switch o.Action {
	case ActionSell:
		h.Positions[o.Symbol] -= o.Quantity
		h.Cash += o.Notional()
	default:
		h.Positions[o.Symbol] += o.Quantity
		h.Cash -= o.Notional()
	}
	if h.Positions[o.Symbol] == 0 {
		delete(h.Positions, o.Symbol)
	}
}

// PaperBroker fills every order at its limit price and records one execution
// per idempotency key.
type PaperBroker struct {
	mu         sync.Mutex
	executions map[string]*Execution
	order      []string
	portfolio  *PaperPortfolio
}

// NewPaperBroker builds a broker. A non-nil portfolio is updated on fills.
func NewPaperBroker(portfolio *PaperPortfolio) *PaperBroker {
	return &PaperBroker{executions: map[string]*Execution{}, portfolio: portfolio}
}

// Execute implements Broker.
func (b *PaperBroker) Execute(_ context.Context, key, account string, o Order) (*Execution, error) {
	if key == "" {
		return nil, fmt.Errorf("idempotency key required")
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prior, ok := b.executions[key]; ok {
		cp := *prior
		return &cp, nil
	}
	exec := &Execution{
		ID:         uuid.NewString(),
		Key:        key,
		Account:    accountOrDefault(account),
		Order:      o,
		Notional:   round2(o.Notional()),
		ExecutedAt: time.Now().UTC(),
	}
	b.executions[key] = exec
	b.order = append(b.order, key)
	if b.portfolio != nil {
		b.portfolio.Apply(account, o)
	}
	cp := *exec
	return &cp, nil
}

// Executions lists fills in execution order.
func (b *PaperBroker) Executions() []Execution {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Execution, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, *b.executions[key])
	}
	return out
}

func (o Order) validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("order symbol required")
	}
	if o.Action != ActionBuy && o.Action != ActionSell {
		return fmt.Errorf("order action %q must be buy or sell", o.Action)
	}
	if o.Quantity <= 0 || o.Price <= 0 {
		return fmt.Errorf("order quantity and price must be positive")
	}
	if o.Quantity > MaxOrderQuantity || o.Price > MaxOrderPrice || math.IsInf(o.Quantity*o.Price, 0) {
		return fmt.Errorf("order size exceeds the %g x %g limit", MaxOrderQuantity, MaxOrderPrice)
	}
	return nil
}

func accountOrDefault(account string) string {
	if strings.TrimSpace(account) == "" {
		return DefaultAccount
	}
	return account
}

func symbolSeed(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedSymbols(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
