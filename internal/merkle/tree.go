// Package merkle is a sparse Merkle tree whose nodes are append-only and
// timestamped, so any past root or witness can be read back "as of" a time.
//
// The tree is implicitly full of zeros: a (level, index) with no stored node
// reads as the canonical zero hash of its level. Node history grows without
// bound; there is no compaction.
package merkle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/hashing"
	"zkdocdb/server/internal/storage"
)

const (
	MinHeight = 2
	MaxHeight = 64
)

// ErrIndexOutOfRange is returned for a level or index outside the tree.
var ErrIndexOutOfRange = fmt.Errorf("%w: merkle index out of range", dberr.ErrConflict)

// Tree addresses the nodes of one database's tree. It holds no node state.
type Tree struct {
	database string
	height   int
	zeros    []hashing.Field
}

func New(database string, height int) (*Tree, error) {
	if height < MinHeight || height > MaxHeight {
		return nil, dberr.Validation("merkle height must be between %d and %d, got %d", MinHeight, MaxHeight, height)
	}
	return &Tree{database: database, height: height, zeros: hashing.ZeroHashes(height)}, nil
}

func (t *Tree) Height() int { return t.height }

// LeafCount is 2^(height-1).
func (t *Tree) LeafCount() uint64 { return 1 << uint(t.height-1) }

// Zero returns the canonical empty hash at level.
func (t *Tree) Zero(level int) hashing.Field { return t.zeros[level] }

func (t *Tree) checkRange(level int, index uint64) error {
	if level < 0 || level >= t.height {
		return fmt.Errorf("%w: level %d, height %d", ErrIndexOutOfRange, level, t.height)
	}
	width := uint64(1) << uint(t.height-1-level)
	if index >= width {
		return fmt.Errorf("%w: index %d at level %d, width %d", ErrIndexOutOfRange, index, level, width)
	}
	return nil
}

// GetNode returns the hash of (level, index) as of at: the stored node with the
// greatest timestamp not after at, or the level's zero hash.
func (t *Tree) GetNode(ctx context.Context, q storage.Querier, level int, index uint64, at time.Time) (hashing.Field, error) {
	if err := t.checkRange(level, index); err != nil {
		return hashing.Field{}, err
	}
	var raw []byte
	err := q.QueryRowContext(ctx, `
		SELECT hash FROM merkle_nodes
		WHERE database_name = ? AND level = ? AND idx = ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, t.database, level, int64(index), at.UnixNano()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return t.zeros[level], nil
	}
	if err != nil {
		return hashing.Field{}, storage.Wrap(err, "get node %d/%d", level, index)
	}
	h, err := hashing.Decode(raw)
	if err != nil {
		return hashing.Field{}, dberr.Invariant("node %d/%d of %s: %v", level, index, t.database, err)
	}
	return h, nil
}

// GetRoot returns the root as of at.
func (t *Tree) GetRoot(ctx context.Context, q storage.Querier, at time.Time) (hashing.Field, error) {
	return t.GetNode(ctx, q, t.height-1, 0, at)
}

// GetWitness collects the sibling of every node on the path from leaf index to
// the root, as of at.
func (t *Tree) GetWitness(ctx context.Context, q storage.Querier, index uint64, at time.Time) (Witness, error) {
	if err := t.checkRange(0, index); err != nil {
		return nil, err
	}
	w := make(Witness, 0, t.height-1)
	cur := index
	for level := 0; level < t.height-1; level++ {
		sibling, err := t.GetNode(ctx, q, level, cur^1, at)
		if err != nil {
			return nil, err
		}
		w = append(w, Step{IsLeft: cur%2 == 0, Sibling: sibling})
		cur /= 2
	}
	return w, nil
}

// Update describes one leaf write.
type Update struct {
	Index     uint64
	Timestamp time.Time
	Witness   Witness
	OldLeaf   hashing.Field
	NewLeaf   hashing.Field
	OldRoot   hashing.Field
	NewRoot   hashing.Field
	// Path holds the new node hashes from the leaf (level 0) up to the root.
	Path []hashing.Field
}

// SetLeaf writes value at index with timestamp at and appends one new node per
// level. at must be later than every node already stored, see NextTimestamp.
func (t *Tree) SetLeaf(ctx context.Context, q storage.Querier, index uint64, value hashing.Field, at time.Time) (Update, error) {
	w, err := t.GetWitness(ctx, q, index, at)
	if err != nil {
		return Update{}, err
	}
	oldLeaf, err := t.GetNode(ctx, q, 0, index, at)
	if err != nil {
		return Update{}, err
	}
	path := Path(value, w)

	var sb strings.Builder
	sb.WriteString(`INSERT INTO merkle_nodes (database_name, level, idx, hash, timestamp) VALUES `)
	args := make([]any, 0, 5*len(path))
	cur := index
	for level, h := range path {
		if level > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, t.database, level, int64(cur), hashing.Encode(h), at.UnixNano())
		cur /= 2
	}
	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return Update{}, storage.Wrap(err, "insert nodes for leaf %d", index)
	}
	return Update{
		Index:     index,
		Timestamp: at,
		Witness:   w,
		OldLeaf:   oldLeaf,
		NewLeaf:   value,
		OldRoot:   ComputeRoot(oldLeaf, w),
		NewRoot:   path[len(path)-1],
		Path:      path,
	}, nil
}

// NextTimestamp returns a write timestamp strictly after every stored node of
// this tree and not before now. Call it inside the write transaction.
func (t *Tree) NextTimestamp(ctx context.Context, q storage.Querier, now time.Time) (time.Time, error) {
	var last sql.NullInt64
	if err := q.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM merkle_nodes WHERE database_name = ?
	`, t.database).Scan(&last); err != nil {
		return time.Time{}, storage.Wrap(err, "last node timestamp")
	}
	ts := now.UnixNano()
	if last.Valid && ts <= last.Int64 {
		ts = last.Int64 + 1
	}
	return time.Unix(0, ts), nil
}
