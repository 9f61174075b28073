package storage

import "context"

// Store is the transactional backend every component writes through.
//
// Multi-entity writes (revision, leaf assignment, Merkle node batch, queue
// enqueue) run inside one InTx call so callers never observe a partial write.
type Store interface {
	// Init prepares schema/connection state needed before serving requests.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// Reader returns a non-transactional querier for reads.
	Reader() Querier

	// InTx runs fn inside one ACID transaction. A non-nil error from fn, or a
	// failed commit, rolls the whole unit back. Lock contention is retried.
	InTx(ctx context.Context, fn func(tx Querier) error) error

	// InReadTx runs fn against one read snapshot. Reads made through the
	// querier see no commit that lands after the first of them.
	InReadTx(ctx context.Context, fn func(q Querier) error) error

	// CreateDatabase registers a database in the catalog.
	CreateDatabase(ctx context.Context, db Database) error

	// GetDatabase loads a catalog entry.
	GetDatabase(ctx context.Context, name string) (Database, error)

	// ListDatabases returns the catalog ordered by name.
	ListDatabases(ctx context.Context) ([]Database, error)
}
