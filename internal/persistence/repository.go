package persistence

import "msx-grid-go/internal/models"

// SnapshotRepository defines the interface for grid snapshot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the engine. Snapshots are keyed by symbol: a symbol has at most one
// grid instance, so the symbol is the natural primary key.
type SnapshotRepository interface {
	// SaveSnapshot atomically saves the full state of one grid instance.
	SaveSnapshot(state *models.GridState) error

	// LoadAllSnapshots returns every persisted grid instance. An empty
	// store yields an empty slice, not an error.
	LoadAllSnapshots() ([]*models.GridState, error)

	// DeleteSnapshot removes the snapshot for a symbol. Deleting an
	// absent snapshot is a no-op.
	DeleteSnapshot(symbol string) error

	// Close gracefully closes the connection to the database.
	Close() error
}
