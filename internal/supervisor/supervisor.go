// Package supervisor keeps exactly one monitoring task alive per active
// bot. It owns the per-bot lock, price cache and gateway connection, and
// tears all three down when a bot leaves the active set.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/desu777/stockstorm/internal/config"
	"github.com/desu777/stockstorm/internal/engine"
	"github.com/desu777/stockstorm/internal/gateway"
	"github.com/desu777/stockstorm/internal/ledger"
	"github.com/desu777/stockstorm/internal/logger"
	"github.com/desu777/stockstorm/internal/models"
	"github.com/desu777/stockstorm/internal/notifier"
	"github.com/desu777/stockstorm/internal/persistence"
	"github.com/desu777/stockstorm/internal/reporter"
)

// statusInterval is how often the fleet table is logged.
const statusInterval = 30 * time.Second

// StreamFunc runs a price stream feeding the bot's cache until its context
// ends. May be nil for gateways that are poll-only.
type StreamFunc func(ctx context.Context)

// GatewayFactory builds the broker gateway (and an optional price stream)
// for one bot. Each bot gets its own gateway; connections are never shared.
type GatewayFactory func(cfg *models.BotConfig, cache *gateway.PriceCache) (gateway.Gateway, StreamFunc)

// botEntry is the supervisor's record for one running bot: state, engine,
// lock and task handle in one place, dropped as a unit on removal.
type botEntry struct {
	state  *models.BotState
	config *models.BotConfig
	engine *engine.Engine
	gw     gateway.Gateway
	cache  *gateway.PriceCache
	// streamed marks the cache as fed by a push stream; without one the
	// monitor polls the gateway each iteration instead.
	streamed bool

	// lock serializes ApplyTick for this bot, including the nested
	// gateway calls and persistence writes.
	lock sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor polls the bot registry and diffs it against the running
// monitor tasks.
type Supervisor struct {
	store      persistence.BotStore
	trades     ledger.Ledger
	newGateway GatewayFactory
	notify     notifier.Notifier
	cfg        *config.Config
	logger     *zap.SugaredLogger

	mu   sync.Mutex
	bots map[string]*botEntry
}

func New(store persistence.BotStore, trades ledger.Ledger, factory GatewayFactory,
	notify notifier.Notifier, cfg *config.Config) *Supervisor {
	return &Supervisor{
		store:      store,
		trades:     trades,
		newGateway: factory,
		notify:     notify,
		cfg:        cfg,
		logger:     logger.S(),
		bots:       make(map[string]*botEntry),
	}
}

// Run blocks until ctx is cancelled, keeping monitor tasks in sync with
// the registry. On return every task has been cancelled and every gateway
// disconnected.
func (s *Supervisor) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	s.syncOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case <-pollTicker.C:
			s.syncOnce(ctx)
		case <-statusTicker.C:
			s.logger.Infof("fleet status:\n%s", reporter.FleetTable(s.Snapshot()))
		}
	}
}

// syncOnce diffs the registry's active set against the running tasks:
// start what is missing, stop what is no longer active.
func (s *Supervisor) syncOnce(ctx context.Context) {
	active, err := s.store.LoadActiveBots()
	if err != nil {
		s.logger.Errorw("load active bots", "err", err)
		return
	}

	activeIDs := make(map[string]bool, len(active))
	for _, st := range active {
		activeIDs[st.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range active {
		if _, running := s.bots[st.ID]; !running {
			s.startLocked(ctx, st)
		}
	}

	for id, entry := range s.bots {
		if !activeIDs[id] {
			s.logger.Infow("bot left active set, stopping monitor", "bot", id)
			s.stopEntry(entry)
			delete(s.bots, id)
		}
	}
}

// startLocked builds the entry for one bot and launches its monitor task.
// Caller holds s.mu.
func (s *Supervisor) startLocked(ctx context.Context, st *models.BotState) {
	botCfg, err := s.store.LoadConfig(st.ID)
	if err != nil {
		s.logger.Errorw("load bot config", "bot", st.ID, "err", err)
		return
	}

	cache := gateway.NewPriceCache()
	gw, stream := s.newGateway(botCfg, cache)

	entry := &botEntry{
		state:  st,
		config: botCfg,
		gw:     gw,
		cache:  cache,
		engine: engine.New(botCfg, gw, s.store, s.trades,
			s.cfg.RetryAttempts, s.cfg.RetryDelay, s.logger),
		done: make(chan struct{}),
	}

	// Heal any in-flight markers left by a previous crash before the
	// first tick is processed.
	if err := entry.engine.Reconcile(st); err != nil {
		s.logger.Errorw("reconcile bot", "bot", st.ID, "err", err)
		return
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	entry.cancel = cancel
	s.bots[st.ID] = entry

	if stream != nil {
		entry.streamed = true
		go stream(monitorCtx)
	}
	go s.monitor(monitorCtx, entry)

	s.logger.Infow("monitor started", "bot", st.ID, "symbol", botCfg.Symbol, "variant", botCfg.Variant)
}

// stopAll cancels every monitor task and waits for each to exit.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.bots {
		s.stopEntry(entry)
		delete(s.bots, id)
	}
}

// stopEntry cancels the task, waits for it and tears the gateway down.
// Caller holds s.mu.
func (s *Supervisor) stopEntry(entry *botEntry) {
	entry.cancel()
	<-entry.done
	entry.gw.Disconnect()
}

// RegisterBot stores a new bot's config and NEW state. The next poll
// picks it up; the ladder is generated lazily on its first price tick.
func (s *Supervisor) RegisterBot(cfg *models.BotConfig) error {
	if err := s.store.SaveConfig(cfg); err != nil {
		return err
	}
	return s.store.SaveState(&models.BotState{
		ID:        cfg.ID,
		Symbol:    cfg.Symbol,
		Status:    models.StatusNew,
		Capital:   cfg.Capital,
		UpdatedAt: time.Now().UTC(),
	})
}

// RemoveBot stops the bot's monitor if one is running and deletes its
// state, config and trade records.
func (s *Supervisor) RemoveBot(botID string) error {
	s.mu.Lock()
	if entry, ok := s.bots[botID]; ok {
		s.stopEntry(entry)
		delete(s.bots, botID)
	}
	s.mu.Unlock()
	return s.store.Delete(botID)
}

// Running returns the IDs of bots with a live monitor task.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.bots))
	for id := range s.bots {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of every monitored bot's state for reporting.
func (s *Supervisor) Snapshot() []*models.BotState {
	s.mu.Lock()
	entries := make([]*botEntry, 0, len(s.bots))
	for _, e := range s.bots {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	states := make([]*models.BotState, 0, len(entries))
	for _, e := range entries {
		e.lock.Lock()
		st := *e.state
		st.Levels = make([]*models.Level, len(e.state.Levels))
		for i, lv := range e.state.Levels {
			lvCopy := *lv
			st.Levels[i] = &lvCopy
		}
		e.lock.Unlock()
		states = append(states, &st)
	}
	return states
}

// monitor is one bot's task: keep the gateway connected, watch the cached
// price, and feed changes into the engine under the bot's lock. Failures
// are logged and retried on the next iteration; they never escape the
// task or touch other bots.
func (s *Supervisor) monitor(ctx context.Context, entry *botEntry) {
	defer close(entry.done)

	st := entry.state
	botCfg := entry.config
	connected := false
	var lastSeen decimal.Decimal

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.MonitorInterval):
		}

		if !connected {
			if err := entry.gw.Connect(ctx); err != nil {
				s.logger.Warnw("gateway connect failed, will retry", "bot", st.ID, "err", err)
				continue
			}
			connected = true
		}

		tick, err := s.latestTick(ctx, entry, botCfg.Symbol)
		if err != nil {
			s.logger.Debugw("no price yet", "bot", st.ID, "symbol", botCfg.Symbol, "err", err)
			continue
		}

		fxRate := s.latestFXRate(ctx, entry)

		price := tick.Mid()
		if lastSeen.Equal(price) {
			continue
		}

		entry.lock.Lock()
		before := st.Status
		if fxRate.IsPositive() {
			entry.engine.ObserveFX(st, fxRate)
		}
		err = entry.engine.ApplyTick(ctx, st, tick)
		after := st.Status
		entry.lock.Unlock()

		if err != nil && ctx.Err() == nil {
			s.logger.Warnw("tick processing failed", "bot", st.ID, "err", err)
		}
		lastSeen = price

		s.announceTransition(st, before, after)
		if after.Terminal() {
			// The poll loop will reap this entry; stop ticking now.
			return
		}
	}
}

// latestTick prefers the streamed cache and falls back to polling the
// gateway, priming the cache with the result.
func (s *Supervisor) latestTick(ctx context.Context, entry *botEntry, symbol string) (models.PriceTick, error) {
	if entry.streamed {
		if tick, ok := entry.cache.Get(symbol); ok {
			return tick, nil
		}
	}
	tick, err := entry.gw.Price(ctx, symbol)
	if err != nil {
		return models.PriceTick{}, err
	}
	entry.cache.Put(symbol, *tick)
	return *tick, nil
}

// latestFXRate fetches the conversion quote for cross-currency bots. Zero
// means no reference is available; the engine defers trading on that.
func (s *Supervisor) latestFXRate(ctx context.Context, entry *botEntry) decimal.Decimal {
	if !entry.config.CrossCurrency() || entry.config.FXSymbol == "" {
		return decimal.Zero
	}
	if entry.streamed {
		if tick, ok := entry.cache.Get(entry.config.FXSymbol); ok {
			return tick.Bid
		}
	}
	tick, err := entry.gw.Price(ctx, entry.config.FXSymbol)
	if err != nil {
		return decimal.Zero
	}
	entry.cache.Put(entry.config.FXSymbol, *tick)
	return tick.Bid
}

func (s *Supervisor) announceTransition(st *models.BotState, before, after models.BotStatus) {
	if before == after {
		return
	}
	switch after {
	case models.StatusFinished:
		s.notify.BotFinished(st)
	case models.StatusError:
		s.notify.BotError(st, "order retries exhausted")
	}
}
