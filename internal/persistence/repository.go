package persistence

import (
	"errors"

	"github.com/desu777/stockstorm/internal/models"
)

// ErrNotFound is returned when a bot record does not exist.
var ErrNotFound = errors.New("record not found")

// BotStore is the bot registry and state store. It abstracts the underlying
// storage so the engine and supervisor never touch serialization.
type BotStore interface {
	// SaveState atomically writes one bot's runtime state.
	SaveState(state *models.BotState) error

	// LoadState loads one bot's state, or ErrNotFound.
	LoadState(botID string) (*models.BotState, error)

	// LoadActiveBots returns every bot whose status is not terminal.
	LoadActiveBots() ([]*models.BotState, error)

	// SaveConfig writes a bot's immutable configuration.
	SaveConfig(cfg *models.BotConfig) error

	// LoadConfig loads a bot's configuration, or ErrNotFound.
	LoadConfig(botID string) (*models.BotConfig, error)

	// Delete removes a bot's state, config and trade records.
	Delete(botID string) error

	// Close releases the underlying database.
	Close() error
}
