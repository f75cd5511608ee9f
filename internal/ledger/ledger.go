// Package ledger keeps the append-only record of positions opened and
// closed at grid levels. It is reporting-grade data: the level map on
// BotState stays the source of truth for what is actually held.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/desu777/stockstorm/internal/models"
)

// ErrNotFound is returned when no matching trade record exists.
var ErrNotFound = errors.New("trade not found")

// Ledger records openings and closings of level positions.
type Ledger interface {
	// RecordOpen appends an OPEN trade and returns its ID.
	RecordOpen(botID, level string, openPrice, volume decimal.Decimal) (string, error)

	// RecordClose closes an existing trade. A closed trade is never
	// mutated again.
	RecordClose(tradeID string, closePrice, profit decimal.Decimal, closedAt time.Time) error

	// OpenTrade finds the OPEN trade for a bot's level, or ErrNotFound.
	OpenTrade(botID, level string) (*models.Trade, error)

	// ListByBot returns all trades for a bot, oldest first.
	ListByBot(botID string) ([]*models.Trade, error)
}
