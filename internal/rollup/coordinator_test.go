package rollup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/hashing"
	"zkdocdb/server/internal/logging"
	"zkdocdb/server/internal/merkle"
	"zkdocdb/server/internal/queue"
	"zkdocdb/server/internal/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return NewCoordinator(logging.Module(logging.Discard(), logging.ModuleRollup)), store
}

// writeTransitions sets n distinct leaves and logs each write.
func writeTransitions(t *testing.T, c *Coordinator, store *storage.SQLiteStore, n int) []TransitionLog {
	t.Helper()
	ctx := context.Background()
	tree, err := merkle.New("db", 8)
	require.NoError(t, err)
	logs := make([]TransitionLog, 0, n)
	for i := 0; i < n; i++ {
		require.NoError(t, store.InTx(ctx, func(tx storage.Querier) error {
			u, err := tree.SetLeaf(ctx, tx, uint64(i), hashing.FromUint64(uint64(i+1)), time.Unix(0, int64(i+1)))
			if err != nil {
				return err
			}
			l, err := c.RecordTransition(ctx, tx, "db", OperationCreate, u, "", "obj")
			logs = append(logs, l)
			return err
		}))
	}
	return logs
}

func confirm(t *testing.T, c *Coordinator, q storage.Querier, tx Transaction) {
	t.Helper()
	ctx := context.Background()
	_, err := c.AttachSignature(ctx, q, "db", tx.ID, []byte{0x01})
	require.NoError(t, err)
	_, err = c.RecordTransactionStatus(ctx, q, tx.ID, TxUnconfirmed, "0xabc", "")
	require.NoError(t, err)
	_, err = c.RecordTransactionStatus(ctx, q, tx.ID, TxConfirmed, "", "")
	require.NoError(t, err)
}

func TestTransitionNumbersAreDense(t *testing.T) {
	c, store := newTestCoordinator(t)
	logs := writeTransitions(t, c, store, 3)
	for i, l := range logs {
		require.Equal(t, int64(i+1), l.OperationNumber)
	}
	got, err := c.Transition(context.Background(), store.Reader(), logs[1].ID)
	require.NoError(t, err)
	require.Equal(t, logs[1].MerkleRootNew, got.MerkleRootNew)
	require.Equal(t, logs[1].MerkleProof, got.MerkleProof)
	require.Equal(t, hashing.Field(got.MerkleRootNew), merkle.ComputeRoot(hashing.Field(got.LeafNew), got.MerkleProof))

	tasks, err := c.Proofs().List(context.Background(), store.Reader(), "db", queue.StatusQueued)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		require.Equal(t, int64(i+1), *task.SequenceNumber)
		require.Equal(t, logs[i].ID, task.Data.TransitionID)
	}
}

func TestStateScenario(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)
	q := store.Reader()
	logs := writeTransitions(t, c, store, 7)

	st, err := c.State(ctx, q, "db")
	require.NoError(t, err)
	require.Equal(t, StateUnavailable, st.State)

	_, err = c.RecordProof(ctx, q, "db", logs[4].ID, []byte("proof-5"))
	require.NoError(t, err)
	created, tx, err := c.Create(ctx, q, "db")
	require.NoError(t, err)
	require.True(t, created)

	st, err = c.State(ctx, q, "db")
	require.NoError(t, err)
	require.Equal(t, StateUpdating, st.State)

	confirm(t, c, q, tx)
	st, err = c.State(ctx, q, "db")
	require.NoError(t, err)
	require.Equal(t, StateUpdated, st.State)
	require.Equal(t, int64(5), st.LatestStep)
	require.Equal(t, int64(5), st.OnChainStep)
	require.Zero(t, st.RollupDifferent)

	_, err = c.RecordProof(ctx, q, "db", logs[6].ID, []byte("proof-7"))
	require.NoError(t, err)
	st, err = c.State(ctx, q, "db")
	require.NoError(t, err)
	require.Equal(t, StateOutdated, st.State)
	require.Equal(t, int64(2), st.RollupDifferent)
	require.Equal(t, logs[6].MerkleRootNew, st.MerkleRootNew)
	require.Equal(t, logs[4].MerkleRootNew, st.MerkleRootOld)

	_, err = q.ExecContext(ctx, `UPDATE rollup_onchain SET step = 9`)
	require.NoError(t, err)
	_, err = c.State(ctx, q, "db")
	require.ErrorIs(t, err, dberr.ErrInvariant)
}

func TestCreateRejectsDoubleRollup(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)
	q := store.Reader()

	created, _, err := c.Create(ctx, q, "db")
	require.NoError(t, err)
	require.False(t, created, "nothing to anchor")

	logs := writeTransitions(t, c, store, 1)
	_, err = c.RecordProof(ctx, q, "db", logs[0].ID, []byte("p"))
	require.NoError(t, err)

	created, tx, err := c.Create(ctx, q, "db")
	require.NoError(t, err)
	require.True(t, created)
	created, _, err = c.Create(ctx, q, "db")
	require.NoError(t, err)
	require.False(t, created, "pending record blocks a second rollup")

	confirm(t, c, q, tx)
	created, _, err = c.Create(ctx, q, "db")
	require.NoError(t, err)
	require.False(t, created, "confirmed record blocks a second rollup")
}

func TestFailedRollupCanBeRetried(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)
	q := store.Reader()
	logs := writeTransitions(t, c, store, 1)
	_, err := c.RecordProof(ctx, q, "db", logs[0].ID, []byte("p"))
	require.NoError(t, err)

	_, tx, err := c.Create(ctx, q, "db")
	require.NoError(t, err)
	_, err = c.RecordTransactionStatus(ctx, q, tx.ID, TxFailed, "", "rejected by signer")
	require.NoError(t, err)

	st, err := c.State(ctx, q, "db")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st.State)

	created, _, err := c.Create(ctx, q, "db")
	require.NoError(t, err)
	require.True(t, created)
	st, err = c.State(ctx, q, "db")
	require.NoError(t, err)
	require.Equal(t, StateUpdating, st.State)
}

func TestRecordProofRejectsStaleStep(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)
	q := store.Reader()
	logs := writeTransitions(t, c, store, 2)

	rec, err := c.RecordProof(ctx, q, "db", logs[1].ID, []byte("p2"))
	require.NoError(t, err)
	_, err = c.RecordProof(ctx, q, "db", logs[0].ID, []byte("p1"))
	require.ErrorIs(t, err, dberr.ErrConflict)
	_, err = c.RecordProof(ctx, q, "db", logs[1].ID, nil)
	require.ErrorIs(t, err, dberr.ErrValidation)

	got, err := c.OffChain(ctx, q, rec.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("p2"), got.Proof)
}

func TestAttachSignatureEnqueuesSubmission(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)
	q := store.Reader()
	logs := writeTransitions(t, c, store, 1)
	_, err := c.RecordProof(ctx, q, "db", logs[0].ID, []byte("p"))
	require.NoError(t, err)
	_, tx, err := c.Create(ctx, q, "db")
	require.NoError(t, err)

	_, err = c.RecordTransactionStatus(ctx, q, tx.ID, TxConfirmed, "", "")
	require.ErrorIs(t, err, dberr.ErrConflict)

	signed, err := c.AttachSignature(ctx, q, "db", tx.ID, []byte{0xde, 0xad})
	require.NoError(t, err)
	require.Equal(t, TxSigned, signed.Status)
	_, err = c.AttachSignature(ctx, q, "db", tx.ID, []byte{0xde, 0xad})
	require.ErrorIs(t, err, dberr.ErrConflict)

	tasks, err := c.Submissions().List(ctx, q, "db", queue.StatusQueued)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, tx.ID, tasks[0].Data.TransactionID)
}

func TestSubmissionCallData(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)
	q := store.Reader()
	logs := writeTransitions(t, c, store, 1)
	rec, err := c.RecordProof(ctx, q, "db", logs[0].ID, []byte("proof"))
	require.NoError(t, err)
	_, tx, err := c.Create(ctx, q, "db")
	require.NoError(t, err)

	sub, err := DecodeSubmission(tx.UnsignedPayload)
	require.NoError(t, err)
	require.Equal(t, DatabaseKey("db"), sub.Database)
	require.Equal(t, uint64(rec.Step), sub.Step)
	require.Equal(t, rootBytes(rec.MerkleRootNew), sub.RootNew)
	require.Equal(t, []byte("proof"), sub.Proof)

	_, err = DecodeSubmission([]byte{1, 2, 3, 4, 5})
	require.Error(t, err)
}

func TestCreateRollsBackWhenOnChainInsertFails(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(t)
	q := store.Reader()
	logs := writeTransitions(t, c, store, 1)
	_, err := c.RecordProof(ctx, q, "db", logs[0].ID, []byte("p"))
	require.NoError(t, err)

	_, err = q.ExecContext(ctx, `
		CREATE TRIGGER reject_onchain BEFORE INSERT ON rollup_onchain
		BEGIN SELECT RAISE(ABORT, 'on-chain insert rejected'); END
	`)
	require.NoError(t, err)
	err = store.InTx(ctx, func(tx storage.Querier) error {
		_, _, err := c.Create(ctx, tx, "db")
		return err
	})
	require.ErrorIs(t, err, dberr.ErrConflict)

	var orphans int
	require.NoError(t, q.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&orphans))
	require.Zero(t, orphans)

	_, err = q.ExecContext(ctx, `DROP TRIGGER reject_onchain`)
	require.NoError(t, err)
	created, _, err := c.Create(ctx, q, "db")
	require.NoError(t, err)
	require.True(t, created)
}
