package storage

import (
	"context"
	"database/sql"
)

// Querier is the subset of *sql.DB and *sql.Tx every repository runs against,
// so the same code serves plain reads and transactional writes.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Database is one row of the database catalog.
type Database struct {
	Name         string `json:"name"`
	MerkleHeight int    `json:"merkleHeight"`
	Owner        string `json:"owner"`
	CreatedAt    int64  `json:"createdAt"`
}
