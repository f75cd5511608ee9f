package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desu777/stockstorm/internal/models"
)

func TestReconcileHealsStaleInFlightMarkers(t *testing.T) {
	e, _, store, _ := newTestEngine(descendingConfig())
	st := &models.BotState{
		ID:      "bot-1",
		Symbol:  "ETHUSDT",
		Status:  models.StatusRunning,
		Capital: d("1000"),
		Levels: []*models.Level{
			{Name: "lv1", Price: d("55"), AllocatedCapital: d("250"), Status: models.LevelBuyInFlight},
			{Name: "lv2", Price: d("50"), AllocatedCapital: d("250"), Status: models.LevelSellInFlight, OpenPrice: d("49"), OpenVolume: d("5"), SellTarget: "lv1"},
			{Name: "lv3", Price: d("45"), AllocatedCapital: d("250"), Status: models.LevelHeld, OpenPrice: d("44"), OpenVolume: d("5.5"), SellTarget: "lv2"},
			{Name: "lv4", Price: d("41"), AllocatedCapital: d("250"), Status: models.LevelIdle, SellTarget: "lv3"},
		},
	}

	require.NoError(t, e.Reconcile(st))

	// The interrupted buy never applied.
	lv1 := st.Level("lv1")
	assert.Equal(t, models.LevelIdle, lv1.Status)
	assert.True(t, lv1.OpenVolume.IsZero())

	// The interrupted sell still owns its position.
	lv2 := st.Level("lv2")
	assert.Equal(t, models.LevelHeld, lv2.Status)
	assert.True(t, lv2.OpenVolume.Equal(d("5")))
	assert.True(t, lv2.OpenPrice.Equal(d("49")))

	// Settled levels are untouched.
	assert.Equal(t, models.LevelHeld, st.Level("lv3").Status)
	assert.Equal(t, models.LevelIdle, st.Level("lv4").Status)

	assert.Equal(t, 1, store.saves)
	assertLevelInvariants(t, st)
}

func TestReconcileIsNoopWithoutInFlightMarkers(t *testing.T) {
	e, _, store, _ := newTestEngine(descendingConfig())
	st := heldState()

	require.NoError(t, e.Reconcile(st))
	assert.Equal(t, 0, store.saves, "clean state is not rewritten")
	assert.Equal(t, models.LevelHeld, st.Level("lv2").Status)
}
