package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"msx-grid-go/internal/models"
)

// gridKeyPrefix namespaces grid snapshots inside the database so other
// keyspaces can coexist later without a migration.
var gridKeyPrefix = []byte("grid/")

// badgerRepository is the BadgerDB implementation of SnapshotRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (SnapshotRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors still surface from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func gridKey(symbol string) []byte {
	return append(append([]byte{}, gridKeyPrefix...), symbol...)
}

// SaveSnapshot marshals the state to JSON and writes it under grid/<symbol>.
func (r *badgerRepository) SaveSnapshot(state *models.GridState) error {
	if state.Params.Symbol == "" {
		return fmt.Errorf("snapshot has no symbol")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(gridKey(state.Params.Symbol), data)
	})
}

// LoadAllSnapshots iterates the grid/ prefix and unmarshals every snapshot.
func (r *badgerRepository) LoadAllSnapshots() ([]*models.GridState, error) {
	var states []*models.GridState

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = gridKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(gridKeyPrefix); it.ValidForPrefix(gridKeyPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var state models.GridState
				if err := json.Unmarshal(val, &state); err != nil {
					return fmt.Errorf("corrupt snapshot at %s: %w", it.Item().Key(), err)
				}
				states = append(states, &state)
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
	return states, nil
}

// DeleteSnapshot removes the snapshot for a symbol; absent keys are a no-op.
func (r *badgerRepository) DeleteSnapshot(symbol string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(gridKey(symbol))
	})
}

// Close gracefully closes the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
