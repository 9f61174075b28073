package prover

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/hashing"
	"zkdocdb/server/internal/merkle"
	"zkdocdb/server/internal/rollup"
	"zkdocdb/server/internal/storage"
)

func transition(t *testing.T) rollup.TransitionLog {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })

	tree, err := merkle.New("db", 4)
	require.NoError(t, err)
	_, err = tree.SetLeaf(ctx, store.Reader(), 2, hashing.FromUint64(7), time.Unix(0, 1))
	require.NoError(t, err)
	u, err := tree.SetLeaf(ctx, store.Reader(), 5, hashing.FromUint64(9), time.Unix(0, 2))
	require.NoError(t, err)
	return rollup.TransitionLog{
		OperationNumber: 2,
		Operation:       rollup.OperationCreate,
		MerkleIndex:     u.Index,
		MerkleRootOld:   rollup.Root(u.OldRoot),
		MerkleRootNew:   rollup.Root(u.NewRoot),
		MerkleProof:     u.Witness,
		LeafOld:         rollup.Root(u.OldLeaf),
		LeafNew:         rollup.Root(u.NewLeaf),
	}
}

func TestAttestationRoundTrip(t *testing.T) {
	tr := transition(t)
	proof, err := NewAttestation().Prove(context.Background(), tr)
	require.NoError(t, err)
	require.NoError(t, VerifyAttestation(tr, proof))

	other := tr
	other.OperationNumber = 3
	require.Error(t, VerifyAttestation(other, proof))
	require.Error(t, VerifyAttestation(tr, proof[:len(proof)-1]))
}

func TestAttestationRejectsInconsistentTransition(t *testing.T) {
	tr := transition(t)
	tr.LeafNew = rollup.Root(hashing.FromUint64(10))
	_, err := NewAttestation().Prove(context.Background(), tr)
	require.ErrorIs(t, err, dberr.ErrInvariant)

	tr = transition(t)
	tr.MerkleIndex = 4
	_, err = NewAttestation().Prove(context.Background(), tr)
	require.ErrorIs(t, err, dberr.ErrInvariant)
}
