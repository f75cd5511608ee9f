package gateway

import (
	"sync"

	"github.com/desu777/stockstorm/internal/models"
)

// PriceCache holds the last observed tick per symbol for one bot. Each
// supervisor entry owns its own cache, so removing a bot releases its price
// data with it instead of leaking entries in a process-wide map.
type PriceCache struct {
	mu    sync.RWMutex
	ticks map[string]models.PriceTick
}

func NewPriceCache() *PriceCache {
	return &PriceCache{ticks: make(map[string]models.PriceTick)}
}

// Put stores the latest tick for a symbol.
func (c *PriceCache) Put(symbol string, tick models.PriceTick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks[symbol] = tick
}

// Get returns the last tick for a symbol, if any has been observed.
func (c *PriceCache) Get(symbol string) (models.PriceTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tick, ok := c.ticks[symbol]
	return tick, ok
}
