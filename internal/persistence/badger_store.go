package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/desu777/stockstorm/internal/models"
)

const (
	statePrefix  = "bot:state:"
	configPrefix = "bot:config:"
	tradePrefix  = "trade:"
)

// Store is the BadgerDB implementation of BotStore.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors still surface from operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying database so the trade ledger can share it.
func (s *Store) DB() *badger.DB {
	return s.db
}

func (s *Store) SaveState(state *models.BotState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", state.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(statePrefix+state.ID), data)
	})
}

func (s *Store) LoadState(botID string) (*models.BotState, error) {
	var state models.BotState
	err := s.get(statePrefix+botID, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Store) LoadActiveBots() ([]*models.BotState, error) {
	var bots []*models.BotState

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(statePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var state models.BotState
				if err := json.Unmarshal(val, &state); err != nil {
					return fmt.Errorf("unmarshal %s: %w", it.Item().Key(), err)
				}
				if !state.Status.Terminal() {
					bots = append(bots, &state)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bots, nil
}

func (s *Store) SaveConfig(cfg *models.BotConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", cfg.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(configPrefix+cfg.ID), data)
	})
}

func (s *Store) LoadConfig(botID string) (*models.BotConfig, error) {
	var cfg models.BotConfig
	if err := s.get(configPrefix+botID, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Delete removes the bot's state and config plus every ledger row under its
// trade prefix, in one transaction.
func (s *Store) Delete(botID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(statePrefix + botID)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(configPrefix + botID)); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(tradePrefix + botID + ":")
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string, out interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}
