package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desu777/stockstorm/internal/config"
	"github.com/desu777/stockstorm/internal/gateway"
	"github.com/desu777/stockstorm/internal/ledger"
	"github.com/desu777/stockstorm/internal/models"
	"github.com/desu777/stockstorm/internal/persistence"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type memStore struct {
	sync.Mutex
	states  map[string]*models.BotState
	configs map[string]*models.BotConfig
}

func newMemStore() *memStore {
	return &memStore{
		states:  make(map[string]*models.BotState),
		configs: make(map[string]*models.BotConfig),
	}
}

func (m *memStore) SaveState(state *models.BotState) error {
	m.Lock()
	defer m.Unlock()
	m.states[state.ID] = state
	return nil
}

func (m *memStore) LoadState(botID string) (*models.BotState, error) {
	m.Lock()
	defer m.Unlock()
	st, ok := m.states[botID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return st, nil
}

func (m *memStore) LoadActiveBots() ([]*models.BotState, error) {
	m.Lock()
	defer m.Unlock()
	var out []*models.BotState
	for _, st := range m.states {
		if !st.Status.Terminal() {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memStore) SaveConfig(cfg *models.BotConfig) error {
	m.Lock()
	defer m.Unlock()
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *memStore) LoadConfig(botID string) (*models.BotConfig, error) {
	m.Lock()
	defer m.Unlock()
	cfg, ok := m.configs[botID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return cfg, nil
}

func (m *memStore) Delete(botID string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.states, botID)
	delete(m.configs, botID)
	return nil
}

func (m *memStore) Close() error { return nil }

type memLedger struct {
	sync.Mutex
	trades []*models.Trade
}

func (m *memLedger) RecordOpen(botID, level string, openPrice, volume decimal.Decimal) (string, error) {
	m.Lock()
	defer m.Unlock()
	t := &models.Trade{
		ID: level, BotID: botID, Level: level,
		OpenPrice: openPrice, OpenVolume: volume,
		Status: models.TradeOpen, OpenedAt: time.Now().UTC(),
	}
	m.trades = append(m.trades, t)
	return t.ID, nil
}

func (m *memLedger) RecordClose(tradeID string, closePrice, profit decimal.Decimal, closedAt time.Time) error {
	m.Lock()
	defer m.Unlock()
	for _, t := range m.trades {
		if t.ID == tradeID && t.Status == models.TradeOpen {
			t.ClosePrice = closePrice
			t.Profit = profit
			t.Status = models.TradeSold
			t.ClosedAt = closedAt
			return nil
		}
	}
	return ledger.ErrNotFound
}

func (m *memLedger) OpenTrade(botID, level string) (*models.Trade, error) {
	m.Lock()
	defer m.Unlock()
	for _, t := range m.trades {
		if t.BotID == botID && t.Level == level && t.Status == models.TradeOpen {
			return t, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *memLedger) ListByBot(botID string) ([]*models.Trade, error) {
	m.Lock()
	defer m.Unlock()
	var out []*models.Trade
	for _, t := range m.trades {
		if t.BotID == botID {
			out = append(out, t)
		}
	}
	return out, nil
}

type recordNotifier struct {
	sync.Mutex
	finished []string
	failed   []string
}

func (n *recordNotifier) BotFinished(st *models.BotState) {
	n.Lock()
	defer n.Unlock()
	n.finished = append(n.finished, st.ID)
}

func (n *recordNotifier) BotError(st *models.BotState, _ string) {
	n.Lock()
	defer n.Unlock()
	n.failed = append(n.failed, st.ID)
}

func (n *recordNotifier) finishedBots() []string {
	n.Lock()
	defer n.Unlock()
	return append([]string(nil), n.finished...)
}

func testConfig() *config.Config {
	return &config.Config{
		PollInterval:    20 * time.Millisecond,
		MonitorInterval: 5 * time.Millisecond,
		RetryAttempts:   2,
		RetryDelay:      time.Millisecond,
	}
}

func testBotConfig(id string) *models.BotConfig {
	return &models.BotConfig{
		ID:              id,
		Symbol:          "ETHUSDT",
		Variant:         models.VariantDescending,
		Capital:         d("1000"),
		MaxPrice:        d("55"),
		MinPrice:        d("40"),
		StepPercent:     d("9"),
		AccountCurrency: "USDT",
		AssetCurrency:   "USDT",
	}
}

// harness wires a supervisor around one SimGateway shared by all bots.
type harness struct {
	store  *memStore
	sim    *gateway.SimGateway
	notify *recordNotifier
	sup    *Supervisor
}

func newHarness() *harness {
	h := &harness{
		store:  newMemStore(),
		sim:    gateway.NewSimGateway(),
		notify: &recordNotifier{},
	}
	factory := func(cfg *models.BotConfig, cache *gateway.PriceCache) (gateway.Gateway, StreamFunc) {
		return h.sim, nil
	}
	h.sup = New(h.store, &memLedger{}, factory, h.notify, testConfig())
	return h
}

func (h *harness) run(t *testing.T) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
}

func TestMonitorStartsAndInitializesRegisteredBot(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.sup.RegisterBot(testBotConfig("bot-1")))
	h.sim.SetPrice("ETHUSDT", d("54"))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		snaps := h.sup.Snapshot()
		return len(snaps) == 1 && snaps[0].Status == models.StatusRunning
	}, 2*time.Second, 5*time.Millisecond, "bot should initialize from the first tick")

	assert.Equal(t, []string{"bot-1"}, h.sup.Running())
	assert.True(t, h.sim.Connected())

	snaps := h.sup.Snapshot()
	require.Len(t, snaps, 1)
	require.NotEmpty(t, snaps[0].Levels, "ladder generated lazily on the first price")
	assert.True(t, snaps[0].Levels[0].Price.Equal(d("55")))
}

func TestSnapshotIsACopy(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.sup.RegisterBot(testBotConfig("bot-1")))
	h.sim.SetPrice("ETHUSDT", d("54"))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		snaps := h.sup.Snapshot()
		return len(snaps) == 1 && len(snaps[0].Levels) > 0
	}, 2*time.Second, 5*time.Millisecond)

	snap := h.sup.Snapshot()[0]
	snap.Levels[0].Price = d("1")

	again := h.sup.Snapshot()[0]
	assert.True(t, again.Levels[0].Price.Equal(d("55")), "snapshot mutation must not leak back")
}

func TestFinishedBotIsReapedAndAnnounced(t *testing.T) {
	h := newHarness()
	cfg := testBotConfig("bot-1")
	require.NoError(t, h.store.SaveConfig(cfg))
	require.NoError(t, h.store.SaveState(&models.BotState{
		ID:      "bot-1",
		Symbol:  "ETHUSDT",
		Status:  models.StatusRunning,
		Capital: d("1000"),
		Levels: []*models.Level{
			{Name: "lv1", Price: d("55"), AllocatedCapital: d("1000"), Status: models.LevelIdle},
		},
	}))

	// Above the top boundary with nothing held: the bot closes out at once.
	h.sim.SetPrice("ETHUSDT", d("60"))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return len(h.sup.Running()) == 0
	}, 2*time.Second, 5*time.Millisecond, "terminal bot should be reaped by the poll loop")

	st, err := h.store.LoadState("bot-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, st.Status)
	assert.Equal(t, []string{"bot-1"}, h.notify.finishedBots())
}

func TestRemoveBotStopsMonitorAndDeletesRecords(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.sup.RegisterBot(testBotConfig("bot-1")))
	h.sim.SetPrice("ETHUSDT", d("54"))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return len(h.sup.Running()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.sup.RemoveBot("bot-1"))

	assert.Empty(t, h.sup.Running())
	_, err := h.store.LoadState("bot-1")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.False(t, h.sim.Connected(), "gateway torn down with the monitor")
}

func TestShutdownDisconnectsGateways(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.sup.RegisterBot(testBotConfig("bot-1")))
	h.sim.SetPrice("ETHUSDT", d("54"))

	stop := h.run(t)
	require.Eventually(t, func() bool {
		return h.sim.Connected()
	}, 2*time.Second, 5*time.Millisecond)

	stop()
	assert.False(t, h.sim.Connected())
	assert.Empty(t, h.sup.Running())
}
