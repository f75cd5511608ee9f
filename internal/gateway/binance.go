package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/desu777/stockstorm/internal/models"
)

// volumePrecision is the number of decimal places order quantities are
// truncated to before submission.
const volumePrecision = 4

// BinanceGateway implements Gateway against the Binance spot API.
type BinanceGateway struct {
	client *binance.Client
	logger *zap.SugaredLogger
}

// NewBinanceGateway builds a gateway from API credentials. Testnet routing
// follows the binance.UseTestnet package flag, same as the client library.
func NewBinanceGateway(apiKey, secretKey string, logger *zap.SugaredLogger) *BinanceGateway {
	return &BinanceGateway{
		client: binance.NewClient(apiKey, secretKey),
		logger: logger,
	}
}

// Connect verifies connectivity with a ping. The REST client is stateless,
// so there is no session to hold open.
func (g *BinanceGateway) Connect(ctx context.Context) error {
	if err := g.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("binance ping: %w", err)
	}
	return nil
}

// Price fetches the current book ticker for the symbol.
func (g *BinanceGateway) Price(ctx context.Context, symbol string) (*models.PriceTick, error) {
	tickers, err := g.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("book ticker %s: %w", symbol, err)
	}
	if len(tickers) == 0 {
		return nil, ErrNoPrice
	}

	t := tickers[0]
	ask, err := decimal.NewFromString(t.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("parse ask %q: %w", t.AskPrice, err)
	}
	bid, err := decimal.NewFromString(t.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("parse bid %q: %w", t.BidPrice, err)
	}
	if ask.IsZero() || bid.IsZero() {
		return nil, ErrNoPrice
	}

	return &models.PriceTick{Ask: ask, Bid: bid, ObservedAt: time.Now().UTC()}, nil
}

// PlaceOrder submits a market order. Broker-side rejections come back as an
// OrderResult with Accepted=false so the engine can count them against the
// retry budget; transport errors are returned as-is.
func (g *BinanceGateway) PlaceOrder(ctx context.Context, symbol string, volume decimal.Decimal, side models.Side) (*models.OrderResult, error) {
	qty := volume.Truncate(volumePrecision)
	if !qty.IsPositive() {
		return &models.OrderResult{Accepted: false, ErrorCode: "ZERO_VOLUME"}, nil
	}

	sideType := binance.SideTypeBuy
	if side == models.Sell {
		sideType = binance.SideTypeSell
	}

	order, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType).
		Type(binance.OrderTypeMarket).
		Quantity(qty.String()).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			g.logger.Warnw("order rejected by binance",
				"symbol", symbol, "side", side, "volume", qty, "code", apiErr.Code, "msg", apiErr.Message)
			return &models.OrderResult{Accepted: false, ErrorCode: fmt.Sprintf("%d", apiErr.Code)}, nil
		}
		return nil, fmt.Errorf("place %s %s: %w", side, symbol, err)
	}

	g.logger.Infow("order filled", "symbol", symbol, "side", side, "volume", qty, "order_id", order.OrderID)
	return &models.OrderResult{Accepted: true}, nil
}

// Disconnect is a no-op for the REST client.
func (g *BinanceGateway) Disconnect() {}
