package document

import (
	"context"
	"database/sql"
	"errors"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/storage"
)

// AssignLeaf returns the Merkle leaf index of docID, assigning the next free
// index on first use. An assignment is never changed afterwards.
func (s *Store) AssignLeaf(ctx context.Context, q storage.Querier, database, docID string, leafCount uint64) (uint64, error) {
	index, err := s.LeafIndex(ctx, q, database, docID)
	if err == nil {
		return index, nil
	}
	if !errors.Is(err, dberr.ErrNotFound) {
		return 0, err
	}
	var next int64
	if err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(merkle_index) + 1, 0) FROM merkle_leaves WHERE database_name = ?
	`, database).Scan(&next); err != nil {
		return 0, storage.Wrap(err, "next leaf index")
	}
	if uint64(next) >= leafCount {
		return 0, dberr.Conflict("database %s has no free merkle leaf (capacity %d)", database, leafCount)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO merkle_leaves (database_name, doc_id, merkle_index, created_at)
		VALUES (?, ?, ?, ?)
	`, database, docID, next, s.now().UnixNano()); err != nil {
		return 0, storage.Wrap(err, "assign leaf to %s", docID)
	}
	return uint64(next), nil
}

func (s *Store) LeafIndex(ctx context.Context, q storage.Querier, database, docID string) (uint64, error) {
	var index int64
	err := q.QueryRowContext(ctx, `
		SELECT merkle_index FROM merkle_leaves WHERE database_name = ? AND doc_id = ?
	`, database, docID).Scan(&index)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dberr.NotFound("merkle leaf of document %s", docID)
	}
	if err != nil {
		return 0, storage.Wrap(err, "leaf index of %s", docID)
	}
	return uint64(index), nil
}
