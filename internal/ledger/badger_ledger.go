package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/desu777/stockstorm/internal/models"
)

const tradePrefix = "trade:"

// BadgerLedger stores trades in the same BadgerDB as the bot registry,
// under trade:<botID>:<tradeID> keys.
type BadgerLedger struct {
	db *badger.DB
}

func NewBadgerLedger(db *badger.DB) *BadgerLedger {
	return &BadgerLedger{db: db}
}

func key(botID, tradeID string) []byte {
	return []byte(tradePrefix + botID + ":" + tradeID)
}

func (l *BadgerLedger) RecordOpen(botID, level string, openPrice, volume decimal.Decimal) (string, error) {
	trade := &models.Trade{
		ID:         uuid.NewString(),
		BotID:      botID,
		Level:      level,
		OpenPrice:  openPrice,
		OpenVolume: volume,
		Status:     models.TradeOpen,
		OpenedAt:   time.Now().UTC(),
	}

	if err := l.put(trade); err != nil {
		return "", err
	}
	return trade.ID, nil
}

func (l *BadgerLedger) RecordClose(tradeID string, closePrice, profit decimal.Decimal, closedAt time.Time) error {
	trade, err := l.find(func(t *models.Trade) bool { return t.ID == tradeID })
	if err != nil {
		return err
	}
	if trade.Status == models.TradeSold {
		return fmt.Errorf("trade %s already closed", tradeID)
	}

	trade.ClosePrice = closePrice
	trade.Profit = profit
	trade.Status = models.TradeSold
	trade.ClosedAt = closedAt
	return l.put(trade)
}

func (l *BadgerLedger) OpenTrade(botID, level string) (*models.Trade, error) {
	return l.findByBot(botID, func(t *models.Trade) bool {
		return t.Level == level && t.Status == models.TradeOpen
	})
}

func (l *BadgerLedger) ListByBot(botID string) ([]*models.Trade, error) {
	var trades []*models.Trade
	err := l.scan(botID, func(t *models.Trade) bool {
		trades = append(trades, t)
		return false
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].OpenedAt.Before(trades[j].OpenedAt) })
	return trades, nil
}

func (l *BadgerLedger) put(trade *models.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade %s: %w", trade.ID, err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(trade.BotID, trade.ID), data)
	})
}

// scan walks a bot's trades; stop by returning true from fn.
func (l *BadgerLedger) scan(botID string, fn func(*models.Trade) bool) error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(tradePrefix + botID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var stop bool
			err := it.Item().Value(func(val []byte) error {
				var t models.Trade
				if err := json.Unmarshal(val, &t); err != nil {
					return err
				}
				stop = fn(&t)
				return nil
			})
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		return nil
	})
}

func (l *BadgerLedger) findByBot(botID string, match func(*models.Trade) bool) (*models.Trade, error) {
	var found *models.Trade
	err := l.scan(botID, func(t *models.Trade) bool {
		if match(t) {
			found = t
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// find scans every bot's trades; used for lookups by trade ID alone.
func (l *BadgerLedger) find(match func(*models.Trade) bool) (*models.Trade, error) {
	var found *models.Trade
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(tradePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if !strings.HasPrefix(string(it.Item().Key()), tradePrefix) {
				continue
			}
			var done bool
			err := it.Item().Value(func(val []byte) error {
				var t models.Trade
				if err := json.Unmarshal(val, &t); err != nil {
					return err
				}
				if match(&t) {
					found = &t
					done = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}
