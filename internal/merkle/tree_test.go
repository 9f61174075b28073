package merkle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/hashing"
	"zkdocdb/server/internal/storage"
)

func newTestTree(t *testing.T, height int) (*Tree, storage.Querier) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	tree, err := New("db", height)
	require.NoError(t, err)
	return tree, store.Reader()
}

func TestNewRejectsBadHeight(t *testing.T) {
	_, err := New("db", 1)
	require.ErrorIs(t, err, dberr.ErrValidation)
	_, err = New("db", 65)
	require.ErrorIs(t, err, dberr.ErrValidation)
}

func TestRootsAtDifferentTimes(t *testing.T) {
	tree, q := newTestTree(t, 4)
	ctx := context.Background()
	require.Equal(t, uint64(8), tree.LeafCount())

	t0 := time.Unix(0, 100)
	t1 := time.Unix(0, 200)
	t2 := time.Unix(0, 300)

	_, err := tree.SetLeaf(ctx, q, 3, hashing.HashMany([]hashing.Field{hashing.FromUint64(42)}), t1)
	require.NoError(t, err)
	_, err = tree.SetLeaf(ctx, q, 5, hashing.HashMany([]hashing.Field{hashing.FromUint64(7)}), t2)
	require.NoError(t, err)

	r0, err := tree.GetRoot(ctx, q, t0)
	require.NoError(t, err)
	r1, err := tree.GetRoot(ctx, q, t1)
	require.NoError(t, err)
	r2, err := tree.GetRoot(ctx, q, t2)
	require.NoError(t, err)

	zeroRoot := tree.Zero(3)
	require.True(t, r0.Equal(&zeroRoot))
	require.False(t, r0.Equal(&r1))
	require.False(t, r1.Equal(&r2))
	require.False(t, r0.Equal(&r2))
}

func TestWitnessReconstructsRoot(t *testing.T) {
	tree, q := newTestTree(t, 5)
	ctx := context.Background()

	writes := []struct {
		index uint64
		value uint64
	}{{0, 1}, {7, 2}, {3, 3}, {0, 4}, {15, 5}}
	for i, w := range writes {
		at := time.Unix(0, int64(i+1)*10)
		leaf := hashing.FromUint64(w.value)
		update, err := tree.SetLeaf(ctx, q, w.index, leaf, at)
		require.NoError(t, err)

		root, err := tree.GetRoot(ctx, q, at)
		require.NoError(t, err)
		require.True(t, update.NewRoot.Equal(&root))

		for index := uint64(0); index < tree.LeafCount(); index++ {
			witness, err := tree.GetWitness(ctx, q, index, at)
			require.NoError(t, err)
			require.Equal(t, index, witness.Index())
			node, err := tree.GetNode(ctx, q, 0, index, at)
			require.NoError(t, err)
			computed := ComputeRoot(node, witness)
			require.True(t, computed.Equal(&root), "leaf %d after write %d", index, i)
		}
	}
}

func TestSetLeafReportsOldState(t *testing.T) {
	tree, q := newTestTree(t, 3)
	ctx := context.Background()

	first, err := tree.SetLeaf(ctx, q, 1, hashing.FromUint64(9), time.Unix(0, 1))
	require.NoError(t, err)
	require.True(t, first.OldLeaf.IsZero())
	zeroRoot := tree.Zero(2)
	require.True(t, first.OldRoot.Equal(&zeroRoot))

	second, err := tree.SetLeaf(ctx, q, 1, hashing.Field{}, time.Unix(0, 2))
	require.NoError(t, err)
	require.True(t, second.OldRoot.Equal(&first.NewRoot))
	require.True(t, second.NewRoot.Equal(&zeroRoot))
}

func TestGetNodeIsIdempotent(t *testing.T) {
	tree, q := newTestTree(t, 4)
	ctx := context.Background()
	_, err := tree.SetLeaf(ctx, q, 2, hashing.FromUint64(5), time.Unix(0, 10))
	require.NoError(t, err)

	at := time.Unix(0, 20)
	a, err := tree.GetNode(ctx, q, 1, 1, at)
	require.NoError(t, err)
	b, err := tree.GetNode(ctx, q, 1, 1, at)
	require.NoError(t, err)
	require.True(t, a.Equal(&b))
}

func TestRangeErrorsAndZeroLeaves(t *testing.T) {
	tree, q := newTestTree(t, 4)
	ctx := context.Background()
	now := time.Now()

	_, err := tree.GetWitness(ctx, q, 8, now)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	require.ErrorIs(t, err, dberr.ErrConflict)
	_, err = tree.GetNode(ctx, q, 0, 8, now)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = tree.GetNode(ctx, q, 4, 0, now)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = tree.SetLeaf(ctx, q, 8, hashing.FromUint64(1), now)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	node, err := tree.GetNode(ctx, q, 0, 6, now)
	require.NoError(t, err)
	require.True(t, node.IsZero())
	node, err = tree.GetNode(ctx, q, 2, 1, now)
	require.NoError(t, err)
	zero := tree.Zero(2)
	require.True(t, node.Equal(&zero))
}

func TestNextTimestampIsMonotonic(t *testing.T) {
	tree, q := newTestTree(t, 3)
	ctx := context.Background()
	future := time.Unix(0, 1_000)
	_, err := tree.SetLeaf(ctx, q, 0, hashing.FromUint64(1), future)
	require.NoError(t, err)

	next, err := tree.NextTimestamp(ctx, q, time.Unix(0, 10))
	require.NoError(t, err)
	require.Equal(t, int64(1_001), next.UnixNano())

	later, err := tree.NextTimestamp(ctx, q, time.Unix(0, 5_000))
	require.NoError(t, err)
	require.Equal(t, int64(5_000), later.UnixNano())
}

func TestMergeWitness(t *testing.T) {
	tree, q := newTestTree(t, 4)
	ctx := context.Background()
	t1 := time.Unix(0, 1)
	_, err := tree.SetLeaf(ctx, q, 1, hashing.FromUint64(11), t1)
	require.NoError(t, err)

	stale, err := tree.GetWitness(ctx, q, 6, t1)
	require.NoError(t, err)

	t2 := time.Unix(0, 2)
	update, err := tree.SetLeaf(ctx, q, 2, hashing.FromUint64(22), t2)
	require.NoError(t, err)

	merged, err := MergeWitness(stale, 6, 2, update.Path)
	require.NoError(t, err)
	fresh, err := tree.GetWitness(ctx, q, 6, t2)
	require.NoError(t, err)
	require.Equal(t, fresh, merged)

	same, err := MergeWitness(stale, 6, 6, update.Path)
	require.NoError(t, err)
	require.Equal(t, stale, same)
}
