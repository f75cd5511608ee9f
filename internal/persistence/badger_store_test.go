package persistence

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desu777/stockstorm/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleState(id string, status models.BotStatus) *models.BotState {
	return &models.BotState{
		ID:      id,
		Symbol:  "ETHUSDT",
		Status:  status,
		Capital: d("1000"),
		Levels: []*models.Level{
			{Name: "lv1", Price: d("100"), AllocatedCapital: d("500"), Status: models.LevelIdle},
			{Name: "lv2", Price: d("90"), AllocatedCapital: d("500"), Status: models.LevelHeld,
				OpenPrice: d("89.5"), OpenVolume: d("5.5866"), SellTarget: "lv1"},
		},
		LastPrice:  d("91"),
		LastFXRate: d("4.05"),
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestStateRoundTrip(t *testing.T) {
	store := openTestStore(t)
	in := sampleState("bot-1", models.StatusRunning)
	require.NoError(t, store.SaveState(in))

	out, err := store.LoadState("bot-1")
	require.NoError(t, err)

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, models.StatusRunning, out.Status)
	assert.True(t, out.Capital.Equal(d("1000")))
	assert.True(t, out.LastFXRate.Equal(d("4.05")))

	require.Len(t, out.Levels, 2)
	lv2 := out.Level("lv2")
	require.NotNil(t, lv2)
	assert.Equal(t, models.LevelHeld, lv2.Status)
	assert.True(t, lv2.OpenPrice.Equal(d("89.5")))
	assert.True(t, lv2.OpenVolume.Equal(d("5.5866")))
	assert.Equal(t, "lv1", lv2.SellTarget)
}

func TestLoadStateNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadState("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfigRoundTrip(t *testing.T) {
	store := openTestStore(t)
	in := &models.BotConfig{
		ID:              "bot-1",
		Name:            "eth grid",
		Symbol:          "ETHUSDT",
		Variant:         models.VariantDescending,
		Capital:         d("1000"),
		MaxPrice:        d("100"),
		MinPrice:        d("60"),
		StepPercent:     d("10"),
		AccountCurrency: "USDT",
		AssetCurrency:   "USDT",
	}
	require.NoError(t, store.SaveConfig(in))

	out, err := store.LoadConfig("bot-1")
	require.NoError(t, err)
	assert.Equal(t, "eth grid", out.Name)
	assert.Equal(t, models.VariantDescending, out.Variant)
	assert.True(t, out.StepPercent.Equal(d("10")))

	_, err = store.LoadConfig("bot-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadActiveBotsSkipsTerminal(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SaveState(sampleState("bot-a", models.StatusRunning)))
	require.NoError(t, store.SaveState(sampleState("bot-b", models.StatusNew)))
	require.NoError(t, store.SaveState(sampleState("bot-c", models.StatusFinished)))
	require.NoError(t, store.SaveState(sampleState("bot-d", models.StatusError)))

	active, err := store.LoadActiveBots()
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, st := range active {
		ids[st.ID] = true
	}
	assert.Equal(t, map[string]bool{"bot-a": true, "bot-b": true}, ids)
}

func TestDeleteCascadesToTrades(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SaveState(sampleState("bot-1", models.StatusRunning)))
	require.NoError(t, store.SaveConfig(&models.BotConfig{ID: "bot-1", Symbol: "ETHUSDT"}))
	require.NoError(t, store.SaveState(sampleState("bot-2", models.StatusRunning)))

	// Ledger rows share the keyspace under the bot's trade prefix.
	err := store.DB().Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte("trade:bot-1:t1"), []byte("{}")); err != nil {
			return err
		}
		return txn.Set([]byte("trade:bot-2:t2"), []byte("{}"))
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete("bot-1"))

	_, err = store.LoadState("bot-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadConfig("bot-1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.DB().View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("trade:bot-1:t1"))
		assert.ErrorIs(t, err, badger.ErrKeyNotFound)
		_, err = txn.Get([]byte("trade:bot-2:t2"))
		assert.NoError(t, err, "other bots' trades survive")
		return nil
	})
	require.NoError(t, err)

	// Neighbouring bot untouched.
	_, err = store.LoadState("bot-2")
	require.NoError(t, err)
}
