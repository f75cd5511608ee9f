// Package engine implements the per-bot grid state machine. It converts a
// price observation into broker actions and state mutations.
//
// The engine is not internally thread-safe: the supervisor holds the bot's
// lock for the full duration of ApplyTick, including nested gateway calls
// and persistence writes. Within one bot, ticks are therefore processed
// strictly in observation order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/desu777/stockstorm/internal/gateway"
	"github.com/desu777/stockstorm/internal/ladder"
	"github.com/desu777/stockstorm/internal/ledger"
	"github.com/desu777/stockstorm/internal/models"
	"github.com/desu777/stockstorm/internal/persistence"
)

var (
	// ErrTerminalStatus is returned when a tick reaches a FINISHED or
	// ERROR bot; the caller should stop feeding it.
	ErrTerminalStatus = errors.New("bot in terminal status")

	// ErrRetriesExhausted is returned internally when an order could not
	// be placed within the retry budget. The bot transitions to ERROR.
	ErrRetriesExhausted = errors.New("order retries exhausted")
)

const (
	currencyScale = 2
	volumeScale   = 4
)

// profitHaircut absorbs spread and slippage: only 98% of the raw realized
// profit is banked.
var profitHaircut = decimal.RequireFromString("0.98")

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Engine drives one bot's grid. A single Engine instance serves one bot
// for that bot's whole lifetime in the supervisor.
type Engine struct {
	cfg    *models.BotConfig
	gw     gateway.Gateway
	store  persistence.BotStore
	trades ledger.Ledger
	logger *zap.SugaredLogger

	retryAttempts int
	retryDelay    time.Duration
}

// New builds an engine for one bot.
func New(cfg *models.BotConfig, gw gateway.Gateway, store persistence.BotStore, trades ledger.Ledger,
	retryAttempts int, retryDelay time.Duration, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:           cfg,
		gw:            gw,
		store:         store,
		trades:        trades,
		logger:        logger,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

// ObserveFX records the latest account/asset conversion rate on the state.
// The supervisor calls this under the bot's lock before ApplyTick whenever
// the FX symbol produced a fresh quote.
func (e *Engine) ObserveFX(st *models.BotState, rate decimal.Decimal) {
	if rate.IsPositive() {
		st.LastFXRate = rate
	}
}

// ApplyTick runs one full pass of the grid rules against a price
// observation: initialization for NEW bots, then the sell pass (descending
// price order), the buy pass (ascending), and the termination check.
// State is persisted after every state-changing step, not only at tick
// end, so a crash mid-tick cannot silently lose an in-flight marker.
func (e *Engine) ApplyTick(ctx context.Context, st *models.BotState, tick models.PriceTick) error {
	if st.Status.Terminal() {
		return ErrTerminalStatus
	}

	price := tick.Mid()
	if !price.IsPositive() {
		return nil
	}

	// Cross-currency accounting needs an FX reference before any sizing
	// can be trusted; defer the whole tick until one has been observed.
	// This guard covers initialization too: the band variant's anchor buy
	// divides by the rate.
	if e.cfg.CrossCurrency() && !st.LastFXRate.IsPositive() {
		e.logger.Debugw("no fx reference yet, skipping tick", "bot", st.ID, "fx_symbol", e.cfg.FXSymbol)
		return nil
	}

	if st.Status == models.StatusNew {
		return e.initialize(ctx, st, price)
	}

	if err := e.sellPass(ctx, st, price); err != nil {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}

	// The anchor rebase runs after the sell pass so that held levels are
	// realized against the old anchor price before the ladder is rebuilt;
	// rebuilding first would orphan their broker positions.
	if e.cfg.Variant == models.VariantBand {
		if err := e.resellAnchor(ctx, st, price); err != nil {
			return err
		}
		if st.Status.Terminal() {
			return nil
		}
	}

	if err := e.buyPass(ctx, st, price); err != nil {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}

	if e.cfg.Variant == models.VariantDescending {
		if err := e.checkTermination(ctx, st, price); err != nil {
			return err
		}
	}

	st.LastPrice = price
	return e.persist(st)
}

// initialize generates the ladder from the first observed price and, for
// the band variant, buys the anchor level immediately. NEW -> RUNNING.
func (e *Engine) initialize(ctx context.Context, st *models.BotState, price decimal.Decimal) error {
	st.Levels = ladder.Generate(e.cfg, price)
	st.Status = models.StatusRunning
	st.LastPrice = price
	if st.Capital.IsZero() {
		st.Capital = e.cfg.Capital
	}
	if err := e.persist(st); err != nil {
		return err
	}

	e.logger.Infow("ladder generated", "bot", st.ID, "levels", len(st.Levels), "ref_price", price)

	if e.cfg.Variant == models.VariantBand {
		anchor := st.Level("lv1")
		if err := e.buyLevel(ctx, st, anchor, price); err != nil {
			return err
		}
	}
	return nil
}

// sellPass closes every held level whose sell target has been reached,
// walking levels from the highest price down.
func (e *Engine) sellPass(ctx context.Context, st *models.BotState, price decimal.Decimal) error {
	for _, lv := range levelsByPriceDesc(st) {
		if lv.Status != models.LevelHeld {
			continue
		}
		target, ok := e.sellTargetPrice(st, lv)
		if !ok || price.LessThan(target) {
			continue
		}
		if err := e.sellLevel(ctx, st, lv, price); err != nil {
			return err
		}
		if st.Status.Terminal() {
			return nil
		}
	}
	return nil
}

// buyPass opens every idle level the price has fallen to, walking levels
// from the lowest price up.
func (e *Engine) buyPass(ctx context.Context, st *models.BotState, price decimal.Decimal) error {
	for _, lv := range levelsByPriceAsc(st) {
		if lv.Status != models.LevelIdle {
			continue
		}
		// The band anchor is only (re)bought by the anchor logic.
		if e.cfg.Variant == models.VariantBand && lv.Name == "lv1" {
			continue
		}
		if price.GreaterThan(lv.Price) {
			continue
		}
		if err := e.buyLevel(ctx, st, lv, price); err != nil {
			return err
		}
		if st.Status.Terminal() {
			return nil
		}
	}
	return nil
}

// checkTermination force-closes every held level and finishes the bot once
// the price breaches the top boundary. Fixed-ladder variant only; the band
// variant's top moves with the market instead.
func (e *Engine) checkTermination(ctx context.Context, st *models.BotState, price decimal.Decimal) error {
	if !price.GreaterThan(st.TopPrice()) {
		return nil
	}

	e.logger.Infow("price breached top boundary, closing out",
		"bot", st.ID, "price", price, "top", st.TopPrice())

	for _, lv := range levelsByPriceDesc(st) {
		if lv.Status != models.LevelHeld {
			continue
		}
		if err := e.sellLevel(ctx, st, lv, price); err != nil {
			return err
		}
		if st.Status.Terminal() {
			return nil
		}
	}

	st.Status = models.StatusFinished
	st.LastPrice = price
	e.logger.Infow("bot finished", "bot", st.ID, "capital", st.Capital)
	return e.persist(st)
}

// resellAnchor handles the band variant's rise rule: once the price has
// risen RisePercent above the anchor, realize the anchor's profit, rebuy
// it at the new price and regenerate the ladder with the grown capital.
func (e *Engine) resellAnchor(ctx context.Context, st *models.BotState, price decimal.Decimal) error {
	anchor := st.Level("lv1")
	if anchor == nil || anchor.Status != models.LevelHeld {
		return nil
	}

	threshold := anchor.Price.Mul(one.Add(e.cfg.RisePercent.Div(hundred)))
	if price.LessThan(threshold) {
		return nil
	}

	if err := e.sellLevel(ctx, st, anchor, price); err != nil {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}

	// Re-derive the ladder around the new anchor price; the grown bot
	// capital spreads across the fresh levels.
	grownCfg := *e.cfg
	grownCfg.Capital = st.Capital
	st.Levels = ladder.Generate(&grownCfg, price)
	if err := e.persist(st); err != nil {
		return err
	}

	e.logger.Infow("anchor re-based", "bot", st.ID, "price", price, "capital", st.Capital)

	return e.buyLevel(ctx, st, st.Level("lv1"), price)
}

// sellTargetPrice resolves the price that closes a held level. Fixed
// ladder: the named sibling's price. Band: the current anchor price. The
// anchor itself has no in-pass target.
func (e *Engine) sellTargetPrice(st *models.BotState, lv *models.Level) (decimal.Decimal, bool) {
	if lv.SellTarget != "" {
		if sibling := st.Level(lv.SellTarget); sibling != nil {
			return sibling.Price, true
		}
		return decimal.Zero, false
	}
	if e.cfg.Variant == models.VariantBand && lv.Name != "lv1" {
		return st.TopPrice(), true
	}
	return decimal.Zero, false
}

// sellLevel closes one held level at the current price. The in-flight
// marker is persisted before the order goes out so a crash here cannot
// cause a double-sell on restart.
func (e *Engine) sellLevel(ctx context.Context, st *models.BotState, lv *models.Level, price decimal.Decimal) error {
	lv.Status = models.LevelSellInFlight
	if err := e.persist(st); err != nil {
		lv.Status = models.LevelHeld
		return err
	}

	if err := e.placeOrder(ctx, st, lv.OpenVolume, models.Sell); err != nil {
		// Keep volume and open price: the position is still ours.
		lv.Status = models.LevelHeld
		if perr := e.persist(st); perr != nil {
			e.logger.Errorw("persist after failed sell", "bot", st.ID, "level", lv.Name, "err", perr)
		}
		if errors.Is(err, ErrRetriesExhausted) {
			return e.fail(st, fmt.Sprintf("sell %s rejected after %d attempts", lv.Name, e.retryAttempts))
		}
		e.logger.Warnw("sell failed, keeping position", "bot", st.ID, "level", lv.Name, "err", err)
		return err
	}

	profitNet := e.netProfit(st, lv, price)
	lv.AllocatedCapital = lv.AllocatedCapital.Add(profitNet)
	st.Capital = st.Capital.Add(profitNet)

	e.closeTrade(st, lv, price, profitNet)

	e.logger.Infow("level sold", "bot", st.ID, "level", lv.Name,
		"open", lv.OpenPrice, "close", price, "volume", lv.OpenVolume, "profit", profitNet)

	lv.Status = models.LevelIdle
	lv.OpenPrice = decimal.Zero
	lv.OpenVolume = decimal.Zero
	return e.persist(st)
}

// buyLevel opens one idle level at the current price.
func (e *Engine) buyLevel(ctx context.Context, st *models.BotState, lv *models.Level, price decimal.Decimal) error {
	volume := e.volumeFor(st, lv.AllocatedCapital, price)
	if !volume.IsPositive() {
		return nil
	}

	lv.Status = models.LevelBuyInFlight
	if err := e.persist(st); err != nil {
		lv.Status = models.LevelIdle
		return err
	}

	if err := e.placeOrder(ctx, st, volume, models.Buy); err != nil {
		// The purchase never applied; the level stays empty.
		lv.Status = models.LevelIdle
		if perr := e.persist(st); perr != nil {
			e.logger.Errorw("persist after failed buy", "bot", st.ID, "level", lv.Name, "err", perr)
		}
		if errors.Is(err, ErrRetriesExhausted) {
			return e.fail(st, fmt.Sprintf("buy %s rejected after %d attempts", lv.Name, e.retryAttempts))
		}
		e.logger.Warnw("buy failed", "bot", st.ID, "level", lv.Name, "err", err)
		return err
	}

	lv.Status = models.LevelHeld
	lv.OpenPrice = price
	lv.OpenVolume = volume

	if _, err := e.trades.RecordOpen(st.ID, lv.Name, price, volume); err != nil {
		e.logger.Errorw("record open trade", "bot", st.ID, "level", lv.Name, "err", err)
	}

	e.logger.Infow("level bought", "bot", st.ID, "level", lv.Name, "price", price, "volume", volume)
	return e.persist(st)
}

// placeOrder submits a market order with a bounded retry budget and a
// fixed delay between attempts. Rejections and transport failures both
// consume attempts; exhausting the budget returns ErrRetriesExhausted.
func (e *Engine) placeOrder(ctx context.Context, st *models.BotState, volume decimal.Decimal, side models.Side) error {
	var lastErr error
	for attempt := 1; attempt <= e.retryAttempts; attempt++ {
		res, err := e.gw.PlaceOrder(ctx, e.cfg.Symbol, volume, side)
		if err == nil && res.Accepted {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("rejected: %s", res.ErrorCode)
		}
		e.logger.Warnw("order attempt failed", "bot", st.ID, "side", side,
			"attempt", attempt, "of", e.retryAttempts, "err", lastErr)

		if attempt < e.retryAttempts {
			select {
			case <-time.After(e.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// netProfit converts the realized asset-currency profit into the account
// currency and applies the 2% haircut.
func (e *Engine) netProfit(st *models.BotState, lv *models.Level, closePrice decimal.Decimal) decimal.Decimal {
	profitAsset := closePrice.Sub(lv.OpenPrice).Mul(lv.OpenVolume)
	profitAcc := profitAsset
	if e.cfg.CrossCurrency() {
		profitAcc = profitAsset.Mul(st.LastFXRate)
	}
	return profitAcc.Mul(profitHaircut).Round(currencyScale)
}

// volumeFor sizes a purchase from account-currency capital.
func (e *Engine) volumeFor(st *models.BotState, capital, price decimal.Decimal) decimal.Decimal {
	portion := capital
	if e.cfg.CrossCurrency() {
		portion = portion.Div(st.LastFXRate)
	}
	return portion.Div(price).Round(volumeScale)
}

// closeTrade closes the matching OPEN ledger row. A held level without one
// indicates earlier state desync; it is healed by synthesizing a row and
// logged for operator review rather than failing the close.
func (e *Engine) closeTrade(st *models.BotState, lv *models.Level, closePrice, profit decimal.Decimal) {
	now := time.Now().UTC()

	trade, err := e.trades.OpenTrade(st.ID, lv.Name)
	if errors.Is(err, ledger.ErrNotFound) {
		e.logger.Warnw("no open ledger row for sold level, synthesizing",
			"bot", st.ID, "level", lv.Name)
		id, rerr := e.trades.RecordOpen(st.ID, lv.Name, lv.OpenPrice, lv.OpenVolume)
		if rerr != nil {
			e.logger.Errorw("synthesize ledger row", "bot", st.ID, "level", lv.Name, "err", rerr)
			return
		}
		if cerr := e.trades.RecordClose(id, closePrice, profit, now); cerr != nil {
			e.logger.Errorw("close synthesized ledger row", "bot", st.ID, "level", lv.Name, "err", cerr)
		}
		return
	}
	if err != nil {
		e.logger.Errorw("lookup open trade", "bot", st.ID, "level", lv.Name, "err", err)
		return
	}

	if err := e.trades.RecordClose(trade.ID, closePrice, profit, now); err != nil {
		e.logger.Errorw("close trade", "bot", st.ID, "trade", trade.ID, "err", err)
	}
}

// fail moves the bot to ERROR. Automated action halts until manual reset.
func (e *Engine) fail(st *models.BotState, reason string) error {
	st.Status = models.StatusError
	e.logger.Errorw("bot entering ERROR", "bot", st.ID, "reason", reason)
	if err := e.persist(st); err != nil {
		return err
	}
	return ErrRetriesExhausted
}

func (e *Engine) persist(st *models.BotState) error {
	st.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveState(st); err != nil {
		return fmt.Errorf("persist bot %s: %w", st.ID, err)
	}
	return nil
}

func levelsByPriceDesc(st *models.BotState) []*models.Level {
	levels := make([]*models.Level, len(st.Levels))
	copy(levels, st.Levels)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Price.GreaterThan(levels[j].Price) })
	return levels
}

func levelsByPriceAsc(st *models.BotState) []*models.Level {
	levels := make([]*models.Level, len(st.Levels))
	copy(levels, st.Levels)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) })
	return levels
}
