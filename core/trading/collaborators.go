package trading

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownSymbol is returned by market data for unlisted instruments.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrNoHoldings is returned when an account has no portfolio on record.
	ErrNoHoldings = errors.New("no holdings on record")
)

// Quote is the latest price of an instrument.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	AsOf   time.Time `json:"as_of"`
}

// Fundamentals are slow-moving valuation figures.
type Fundamentals struct {
	Symbol        string  `json:"symbol"`
	PERatio       float64 `json:"pe_ratio"`
	DividendYield float64 `json:"dividend_yield"`
	EPSGrowth     float64 `json:"eps_growth"`
}

// MarketData supplies prices and fundamentals.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	History(ctx context.Context, symbol string, points int) ([]float64, error)
	Fundamentals(ctx context.Context, symbol string) (Fundamentals, error)
}

// Holdings is an account's cash and positions (symbol -> units).
type Holdings struct {
	Cash      float64            `json:"cash"`
	Positions map[string]float64 `json:"positions"`
}

// Clone returns a deep copy.
func (h *Holdings) Clone() *Holdings {
	if h == nil {
		return nil
	}
	out := &Holdings{Cash: h.Cash, Positions: make(map[string]float64, len(h.Positions))}
	for k, v := range h.Positions {
		out.Positions[k] = v
	}
	return out
}

// Portfolio looks up account holdings.
type Portfolio interface {
	Holdings(ctx context.Context, account string) (*Holdings, error)
}

// Action is the direction of an order.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Order is a proposed or executed trade.
type Order struct {
	Symbol   string  `json:"symbol"`
	Action   Action  `json:"action"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// Notional is quantity times price.
func (o Order) Notional() float64 { return o.Quantity * o.Price }

// Execution is the broker's record of a filled order.
type Execution struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Account    string    `json:"account,omitempty"`
	Order      Order     `json:"order"`
	Notional   float64   `json:"notional"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Broker executes orders. Execute must be idempotent per key: a repeated key
// returns the original execution without trading again.
type Broker interface {
	Execute(ctx context.Context, key, account string, order Order) (*Execution, error)
}
