package engine

import (
	"github.com/shopspring/decimal"

	"github.com/desu777/stockstorm/internal/models"
)

// Reconcile heals in-flight markers left behind by a crash mid-trade. It
// runs once per bot at supervisor startup, before any tick is processed.
//
// A BUY_IN_FLIGHT level carries no volume, so the buy is treated as never
// applied and the level reverts to IDLE. A SELL_IN_FLIGHT level still has
// its volume and open price, so the position is assumed open and the level
// reverts to HELD. Both cases are logged so an operator can verify the
// outcome against the broker's position history.
func (e *Engine) Reconcile(st *models.BotState) error {
	changed := false
	for _, lv := range st.Levels {
		switch lv.Status {
		case models.LevelBuyInFlight:
			e.logger.Warnw("stale buy in flight, reverting to idle; verify against broker",
				"bot", st.ID, "level", lv.Name)
			lv.Status = models.LevelIdle
			lv.OpenPrice = decimal.Zero
			lv.OpenVolume = decimal.Zero
			changed = true
		case models.LevelSellInFlight:
			e.logger.Warnw("stale sell in flight, reverting to held; verify against broker",
				"bot", st.ID, "level", lv.Name, "volume", lv.OpenVolume)
			lv.Status = models.LevelHeld
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return e.persist(st)
}
