package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/desu777/stockstorm/internal/models"
)

// SimOrder is one order the simulated gateway has seen.
type SimOrder struct {
	Symbol string
	Volume decimal.Decimal
	Side   models.Side
}

// SimGateway is an in-memory Gateway for tests and dry runs. Prices are set
// by the caller; orders always fill unless a failure is scripted.
type SimGateway struct {
	mu sync.Mutex

	prices    map[string]models.PriceTick
	orders    []SimOrder
	rejectN   int
	connectEr error
	connected bool
}

func NewSimGateway() *SimGateway {
	return &SimGateway{prices: make(map[string]models.PriceTick)}
}

// SetPrice scripts the quote returned for a symbol.
func (g *SimGateway) SetPrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = models.PriceTick{Ask: price, Bid: price, ObservedAt: time.Now().UTC()}
}

// SetSpread scripts distinct ask/bid quotes for a symbol.
func (g *SimGateway) SetSpread(symbol string, ask, bid decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = models.PriceTick{Ask: ask, Bid: bid, ObservedAt: time.Now().UTC()}
}

// RejectNext makes the next n orders come back rejected.
func (g *SimGateway) RejectNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectN = n
}

// FailConnect scripts Connect to return err until cleared with nil.
func (g *SimGateway) FailConnect(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectEr = err
}

// Orders returns a copy of everything placed so far.
func (g *SimGateway) Orders() []SimOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SimOrder, len(g.orders))
	copy(out, g.orders)
	return out
}

// Connected reports whether Connect has succeeded since the last Disconnect.
func (g *SimGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *SimGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connectEr != nil {
		return g.connectEr
	}
	g.connected = true
	return nil
}

func (g *SimGateway) Price(ctx context.Context, symbol string) (*models.PriceTick, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tick, ok := g.prices[symbol]
	if !ok {
		return nil, ErrNoPrice
	}
	t := tick
	return &t, nil
}

func (g *SimGateway) PlaceOrder(ctx context.Context, symbol string, volume decimal.Decimal, side models.Side) (*models.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rejectN > 0 {
		g.rejectN--
		return &models.OrderResult{Accepted: false, ErrorCode: "SIM_REJECT"}, nil
	}
	g.orders = append(g.orders, SimOrder{Symbol: symbol, Volume: volume, Side: side})
	return &models.OrderResult{Accepted: true}, nil
}

func (g *SimGateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
}
