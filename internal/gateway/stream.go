package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/desu777/stockstorm/internal/models"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	reconnectDelay = 5 * time.Second
)

// Streamer keeps one bot's price cache warm from a websocket aggTrade
// stream. It owns the connection lifecycle: dial, keepalive, reconnect.
type Streamer struct {
	baseURL string
	symbol  string
	cache   *PriceCache
	logger  *zap.SugaredLogger
}

func NewStreamer(baseURL, symbol string, cache *PriceCache, logger *zap.SugaredLogger) *Streamer {
	return &Streamer{
		baseURL: baseURL,
		symbol:  symbol,
		cache:   cache,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled, reconnecting after any failure.
func (s *Streamer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warnw("websocket dial failed", "symbol", s.symbol, "err", err)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		if err := s.consume(ctx, conn); err != nil {
			s.logger.Warnw("websocket stream interrupted", "symbol", s.symbol, "err", err)
		}
		conn.Close()

		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (s *Streamer) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := fmt.Sprintf("%s/ws/%s@aggTrade", s.baseURL, strings.ToLower(s.symbol))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// consume reads trade messages until the connection breaks or ctx ends,
// pinging on a timer to keep the read deadline extended.
func (s *Streamer) consume(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		var trade struct {
			Price json.Number `json:"p"`
		}
		if err := json.Unmarshal(message, &trade); err != nil {
			s.logger.Warnw("unparseable stream message", "symbol", s.symbol, "err", err)
			continue
		}

		price, err := decimal.NewFromString(trade.Price.String())
		if err != nil || !price.IsPositive() {
			continue
		}

		s.cache.Put(s.symbol, models.PriceTick{
			Ask:        price,
			Bid:        price,
			ObservedAt: time.Now().UTC(),
		})
	}
}

// sleepCtx waits d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
