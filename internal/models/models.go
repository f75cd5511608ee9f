package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus is the lifecycle status of a grid bot.
type BotStatus string

const (
	StatusNew      BotStatus = "NEW"
	StatusRunning  BotStatus = "RUNNING"
	StatusFinished BotStatus = "FINISHED"
	StatusError    BotStatus = "ERROR"
)

// Terminal reports whether a bot in this status processes no further ticks.
func (s BotStatus) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

// LevelStatus is the per-level position state.
type LevelStatus string

const (
	LevelIdle         LevelStatus = "IDLE"
	LevelBuyInFlight  LevelStatus = "BUY_IN_FLIGHT"
	LevelHeld         LevelStatus = "HELD"
	LevelSellInFlight LevelStatus = "SELL_IN_FLIGHT"
)

// Side is the order direction sent to the broker gateway.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Variant selects the ladder construction strategy.
type Variant string

const (
	// VariantDescending builds a fixed ladder down from MaxPrice; each level
	// sells into its higher sibling's price.
	VariantDescending Variant = "DESCENDING"
	// VariantBand anchors the ladder at the first observed price; lv1 is
	// bought immediately and every level sells at the current lv1 price.
	VariantBand Variant = "BAND"
)

// BotConfig is the immutable per-bot configuration. The capital here is the
// starting allocation; the running total lives on BotState and grows with
// realized profit.
type BotConfig struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Symbol          string          `json:"symbol"`
	Variant         Variant         `json:"variant"`
	Capital         decimal.Decimal `json:"capital"`
	MaxPrice        decimal.Decimal `json:"max_price"`
	MinPrice        decimal.Decimal `json:"min_price"`
	StepPercent     decimal.Decimal `json:"step_percent"`
	BandPercent     decimal.Decimal `json:"band_percent"`
	RisePercent     decimal.Decimal `json:"rise_percent"`
	AccountCurrency string          `json:"account_currency"`
	AssetCurrency   string          `json:"asset_currency"`
	// FXSymbol is the conversion pair quoted by the gateway when account and
	// asset currencies differ, e.g. "USDPLN" for a PLN account trading USD
	// instruments.
	FXSymbol string `json:"fx_symbol,omitempty"`
	// CredentialsRef points at the broker credentials entry for this bot.
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// CrossCurrency reports whether realized profit and position sizing need an
// FX conversion before touching account-currency capital.
func (c *BotConfig) CrossCurrency() bool {
	return c.AccountCurrency != "" && c.AssetCurrency != "" && c.AccountCurrency != c.AssetCurrency
}

// Level is one rung of the grid ladder.
type Level struct {
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	AllocatedCapital decimal.Decimal `json:"allocated_capital"`
	Status           LevelStatus     `json:"status"`
	OpenPrice        decimal.Decimal `json:"open_price"`
	OpenVolume       decimal.Decimal `json:"open_volume"`
	// SellTarget names the sibling level whose price closes this one.
	// Empty means the bot's top boundary (lv1 / max price) is the target.
	SellTarget string `json:"sell_target,omitempty"`
}

// Held reports whether the level currently carries a position.
func (l *Level) Held() bool {
	return l.Status == LevelHeld || l.Status == LevelSellInFlight
}

// BotState is the mutable runtime state of one bot. It is owned exclusively
// by the grid engine under the supervisor's per-bot lock and is not safe for
// concurrent mutation.
type BotState struct {
	ID     string    `json:"id"`
	Symbol string    `json:"symbol"`
	Status BotStatus `json:"status"`
	// Capital is the running account-currency total; it only grows as profit
	// is realized.
	Capital decimal.Decimal `json:"capital"`
	// Levels is ordered lv1..lvN, lv1 being the highest price.
	Levels    []*Level        `json:"levels"`
	LastPrice decimal.Decimal `json:"last_price"`
	// LastFXRate is the most recent account/asset conversion rate observed.
	// Zero means no FX reference has ever been seen.
	LastFXRate decimal.Decimal `json:"last_fx_rate"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Level returns the level with the given name, or nil.
func (s *BotState) Level(name string) *Level {
	for _, lv := range s.Levels {
		if lv.Name == name {
			return lv
		}
	}
	return nil
}

// TopPrice is the bot's top boundary: lv1's price, the termination threshold.
func (s *BotState) TopPrice() decimal.Decimal {
	if lv := s.Level("lv1"); lv != nil {
		return lv.Price
	}
	return decimal.Zero
}

// HeldLevels returns the levels currently carrying a position.
func (s *BotState) HeldLevels() []*Level {
	var held []*Level
	for _, lv := range s.Levels {
		if lv.Held() {
			held = append(held, lv)
		}
	}
	return held
}

// TradeStatus is the ledger status of a single position.
type TradeStatus string

const (
	TradeOpen TradeStatus = "OPEN"
	TradeSold TradeStatus = "SOLD"
)

// Trade is one opened (and eventually closed) position at a grid level.
// Once closed it is never mutated again.
type Trade struct {
	ID         string          `json:"id"`
	BotID      string          `json:"bot_id"`
	Level      string          `json:"level"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	OpenVolume decimal.Decimal `json:"open_volume"`
	ClosePrice decimal.Decimal `json:"close_price"`
	Profit     decimal.Decimal `json:"profit"`
	Status     TradeStatus     `json:"status"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// PriceTick is an ephemeral price observation from the gateway. It is never
// persisted; the last value is cached per bot for the monitor loop.
type PriceTick struct {
	Ask        decimal.Decimal `json:"ask"`
	Bid        decimal.Decimal `json:"bid"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Mid is the tick's midpoint, the price the engine trades against.
func (t PriceTick) Mid() decimal.Decimal {
	two := decimal.NewFromInt(2)
	return t.Ask.Add(t.Bid).Div(two)
}

// OrderResult is the gateway's reply to an order placement.
type OrderResult struct {
	Accepted  bool   `json:"accepted"`
	ErrorCode string `json:"error_code,omitempty"`
}

func (r *OrderResult) Error() string {
	return fmt.Sprintf("order rejected: code=%s", r.ErrorCode)
}
