// Package gateway abstracts the broker connection a grid bot trades
// through. Each bot owns exactly one Gateway instance; implementations
// handle their own reconnection and are never shared across bots.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/desu777/stockstorm/internal/models"
)

// ErrNoPrice is returned when the broker has no quote for a symbol yet.
var ErrNoPrice = errors.New("no price available")

// Gateway is the broker surface the engine and supervisor depend on.
type Gateway interface {
	// Connect establishes (or re-establishes) the broker session.
	Connect(ctx context.Context) error

	// Price returns the current ask/bid for a symbol, or ErrNoPrice.
	Price(ctx context.Context, symbol string) (*models.PriceTick, error)

	// PlaceOrder submits a market order. A nil error with Accepted=false
	// means the broker rejected the order; transport failures return an
	// error instead.
	PlaceOrder(ctx context.Context, symbol string, volume decimal.Decimal, side models.Side) (*models.OrderResult, error)

	// Disconnect tears the session down. Safe to call when not connected.
	Disconnect()
}
