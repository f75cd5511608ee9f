// Package ladder builds the set of price levels and per-level capital
// allocation for a grid bot. Generation is deterministic and pure: the same
// config and reference price always produce the same ladder.
package ladder

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/desu777/stockstorm/internal/models"
)

// MaxLevels is the hard cap on ladder depth regardless of configuration.
const MaxLevels = 50

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Generate builds the ladder for the configured variant.
func Generate(cfg *models.BotConfig, referencePrice decimal.Decimal) []*models.Level {
	if cfg.Variant == models.VariantBand {
		return generateBand(cfg, referencePrice)
	}
	return generateDescending(cfg, referencePrice)
}

// generateDescending steps down from the top boundary by StepPercent per
// level, stopping at zero, the optional MinPrice floor, or MaxLevels. lv_i
// (i>1) sells into lv_{i-1}'s price; lv1 sells at the top boundary itself,
// which is the bot's termination condition.
func generateDescending(cfg *models.BotConfig, referencePrice decimal.Decimal) []*models.Level {
	top := cfg.MaxPrice
	if top.IsZero() {
		top = referencePrice
	}

	factor := one.Sub(cfg.StepPercent.Div(hundred))

	var prices []decimal.Decimal
	current := top
	for len(prices) < MaxLevels && current.IsPositive() && !current.LessThan(cfg.MinPrice) {
		prices = append(prices, current)
		next := current.Mul(factor)
		if !next.LessThan(current) {
			// Non-positive step percent would never terminate.
			break
		}
		current = next
	}
	if len(prices) == 0 {
		prices = []decimal.Decimal{referencePrice}
	}

	levels := build(prices, cfg.Capital)
	for i := 1; i < len(levels); i++ {
		levels[i].SellTarget = levels[i-1].Name
	}
	return levels
}

// generateBand spans [ref*(1-band/100), ref] stepped by StepPercent. lv1 is
// the anchor the engine buys immediately; every level's sell target is the
// current lv1 price, so SellTarget stays empty here.
func generateBand(cfg *models.BotConfig, referencePrice decimal.Decimal) []*models.Level {
	factor := one.Sub(cfg.StepPercent.Div(hundred))
	floor := referencePrice.Mul(one.Sub(cfg.BandPercent.Div(hundred)))

	var prices []decimal.Decimal
	current := referencePrice
	for len(prices) < MaxLevels && !current.LessThan(floor) && current.IsPositive() {
		prices = append(prices, current)
		next := current.Mul(factor)
		if !next.LessThan(current) {
			break
		}
		current = next
	}
	if len(prices) == 0 {
		prices = []decimal.Decimal{referencePrice}
	}

	return build(prices, cfg.Capital)
}

// build assembles IDLE levels with an equal capital split rounded to 2
// decimal places.
func build(prices []decimal.Decimal, capital decimal.Decimal) []*models.Level {
	count := decimal.NewFromInt(int64(len(prices)))
	portion := capital.Div(count).Round(2)

	levels := make([]*models.Level, 0, len(prices))
	for i, p := range prices {
		levels = append(levels, &models.Level{
			Name:             fmt.Sprintf("lv%d", i+1),
			Price:            p.Round(4),
			AllocatedCapital: portion,
			Status:           models.LevelIdle,
			OpenPrice:        decimal.Zero,
			OpenVolume:       decimal.Zero,
		})
	}
	return levels
}
