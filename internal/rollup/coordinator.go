// Package rollup correlates off-chain proofs with the on-chain transactions
// anchoring them and derives how stale the chain is.
package rollup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/hashing"
	"zkdocdb/server/internal/merkle"
	"zkdocdb/server/internal/queue"
	"zkdocdb/server/internal/storage"
)

// ProofJob asks the prover for the proof of one transition log.
type ProofJob struct {
	TransitionID    int64 `json:"transitionId"`
	OperationNumber int64 `json:"operationNumber"`
}

// SubmitJob asks the submission worker to send a signed transaction.
type SubmitJob struct {
	TransactionID int64 `json:"transactionId"`
}

const (
	ProofQueue      = "proof"
	SubmissionQueue = "rollup"
)

type Coordinator struct {
	proofs      *queue.Queue[ProofJob]
	submissions *queue.Queue[SubmitJob]
	log         *logrus.Entry
	now         func() time.Time
}

func NewCoordinator(log *logrus.Entry) *Coordinator {
	return &Coordinator{
		// proofs of one database must be recorded in step order
		proofs:      queue.New[ProofJob](ProofQueue, queue.Serial()),
		submissions: queue.New[SubmitJob](SubmissionQueue),
		log:         log,
		now:         time.Now,
	}
}

// Proofs exposes the queue RecordTransition feeds.
func (c *Coordinator) Proofs() *queue.Queue[ProofJob] { return c.proofs }

// Submissions exposes the queue AttachSignature feeds.
func (c *Coordinator) Submissions() *queue.Queue[SubmitJob] { return c.submissions }

// RecordTransition appends a transition log and enqueues its proof job in the
// same write. Operation numbers are dense and start at 1 per database.
func (c *Coordinator) RecordTransition(ctx context.Context, q storage.Querier, database string, op Operation, u merkle.Update, docPrevious, docCurrent string) (TransitionLog, error) {
	if !op.Valid() {
		return TransitionLog{}, dberr.Validation("unknown operation %q", op)
	}
	var number int64
	if err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(operation_number), 0) + 1 FROM transition_logs WHERE database_name = ?
	`, database).Scan(&number); err != nil {
		return TransitionLog{}, storage.Wrap(err, "next operation number")
	}
	proof, err := json.Marshal(u.Witness)
	if err != nil {
		return TransitionLog{}, fmt.Errorf("encode witness: %w", err)
	}
	now := c.now()
	result, err := q.ExecContext(ctx, `
		INSERT INTO transition_logs (
			database_name, operation_number, operation, merkle_index, merkle_root_old, merkle_root_new,
			merkle_proof, leaf_old, leaf_new, doc_ref_previous, doc_ref_current, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, database, number, string(op), int64(u.Index), hashing.Encode(u.OldRoot), hashing.Encode(u.NewRoot),
		string(proof), hashing.Encode(u.OldLeaf), hashing.Encode(u.NewLeaf), docPrevious, docCurrent, now.UnixNano())
	if err != nil {
		return TransitionLog{}, storage.Wrap(err, "insert transition log")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return TransitionLog{}, storage.Wrap(err, "insert transition log")
	}
	if _, err := c.proofs.Enqueue(ctx, q, database, ProofJob{TransitionID: id, OperationNumber: number}, &number); err != nil {
		return TransitionLog{}, err
	}
	return TransitionLog{
		ID:                  id,
		Database:            database,
		OperationNumber:     number,
		Operation:           op,
		MerkleIndex:         u.Index,
		MerkleRootOld:       Root(u.OldRoot),
		MerkleRootNew:       Root(u.NewRoot),
		MerkleProof:         u.Witness,
		LeafOld:             Root(u.OldLeaf),
		LeafNew:             Root(u.NewLeaf),
		DocumentRefPrevious: docPrevious,
		DocumentRefCurrent:  docCurrent,
		CreatedAt:           now,
	}, nil
}

const transitionColumns = `id, database_name, operation_number, operation, merkle_index, merkle_root_old,
	merkle_root_new, merkle_proof, leaf_old, leaf_new, doc_ref_previous, doc_ref_current, created_at`

func (c *Coordinator) Transition(ctx context.Context, q storage.Querier, id int64) (TransitionLog, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM transition_logs WHERE id = ?`, id)
	var t TransitionLog
	var op, proof string
	var index, created int64
	var rootOld, rootNew, leafOld, leafNew []byte
	err := row.Scan(&t.ID, &t.Database, &t.OperationNumber, &op, &index, &rootOld, &rootNew, &proof,
		&leafOld, &leafNew, &t.DocumentRefPrevious, &t.DocumentRefCurrent, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return TransitionLog{}, dberr.NotFound("transition log %d", id)
	}
	if err != nil {
		return TransitionLog{}, storage.Wrap(err, "get transition log %d", id)
	}
	t.Operation = Operation(op)
	t.MerkleIndex = uint64(index)
	t.CreatedAt = time.Unix(0, created)
	if err := json.Unmarshal([]byte(proof), &t.MerkleProof); err != nil {
		return TransitionLog{}, dberr.Invariant("transition log %d has unreadable witness: %v", id, err)
	}
	if err := decodeRoots(fmt.Sprintf("transition log %d", id),
		[]storedRoot{{rootOld, &t.MerkleRootOld}, {rootNew, &t.MerkleRootNew}, {leafOld, &t.LeafOld}, {leafNew, &t.LeafNew}}); err != nil {
		return TransitionLog{}, err
	}
	return t, nil
}

type storedRoot struct {
	raw []byte
	dst *Root
}

func decodeRoots(what string, pairs []storedRoot) error {
	for _, p := range pairs {
		f, err := hashing.Decode(p.raw)
		if err != nil {
			return dberr.Invariant("%s: %v", what, err)
		}
		*p.dst = Root(f)
	}
	return nil
}

// RecordProof stores the proof of a transition log as the next off-chain
// record. Its step is the log's operation number and must exceed the latest.
func (c *Coordinator) RecordProof(ctx context.Context, q storage.Querier, database string, transitionID int64, proof []byte) (OffChainRecord, error) {
	if len(proof) == 0 {
		return OffChainRecord{}, dberr.Validation("proof is empty")
	}
	t, err := c.Transition(ctx, q, transitionID)
	if err != nil {
		return OffChainRecord{}, err
	}
	if t.Database != database {
		return OffChainRecord{}, dberr.NotFound("transition log %d in database %s", transitionID, database)
	}
	latest, ok, err := c.LatestOffChain(ctx, q, database)
	if err != nil {
		return OffChainRecord{}, err
	}
	if ok && latest.Step >= t.OperationNumber {
		return OffChainRecord{}, dberr.Conflict("proof for step %d arrived after step %d", t.OperationNumber, latest.Step)
	}
	blob, err := compressProof(proof)
	if err != nil {
		return OffChainRecord{}, err
	}
	now := c.now()
	result, err := q.ExecContext(ctx, `
		INSERT INTO rollup_offchain (database_name, step, proof, merkle_root_old, merkle_root_new, transition_log_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, database, t.OperationNumber, blob, hashing.Encode(hashing.Field(t.MerkleRootOld)),
		hashing.Encode(hashing.Field(t.MerkleRootNew)), t.ID, now.UnixNano())
	if err != nil {
		return OffChainRecord{}, storage.Wrap(err, "insert off-chain record step %d", t.OperationNumber)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return OffChainRecord{}, storage.Wrap(err, "insert off-chain record step %d", t.OperationNumber)
	}
	return OffChainRecord{
		ID:              id,
		Database:        database,
		Step:            t.OperationNumber,
		Proof:           proof,
		MerkleRootOld:   t.MerkleRootOld,
		MerkleRootNew:   t.MerkleRootNew,
		TransitionLogID: t.ID,
		CreatedAt:       now,
	}, nil
}

const offChainColumns = `id, database_name, step, proof, merkle_root_old, merkle_root_new, transition_log_id, created_at`

// LatestOffChain returns the off-chain record with the highest step.
func (c *Coordinator) LatestOffChain(ctx context.Context, q storage.Querier, database string) (OffChainRecord, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+offChainColumns+` FROM rollup_offchain WHERE database_name = ? ORDER BY step DESC LIMIT 1
	`, database)
	rec, err := scanOffChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OffChainRecord{}, false, nil
	}
	if err != nil {
		return OffChainRecord{}, false, err
	}
	return rec, true, nil
}

func (c *Coordinator) OffChain(ctx context.Context, q storage.Querier, id int64) (OffChainRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+offChainColumns+` FROM rollup_offchain WHERE id = ?`, id)
	rec, err := scanOffChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OffChainRecord{}, dberr.NotFound("off-chain record %d", id)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffChain(row scanner) (OffChainRecord, error) {
	var rec OffChainRecord
	var blob, rootOld, rootNew []byte
	var created int64
	err := row.Scan(&rec.ID, &rec.Database, &rec.Step, &blob, &rootOld, &rootNew, &rec.TransitionLogID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return OffChainRecord{}, err
	}
	if err != nil {
		return OffChainRecord{}, storage.Wrap(err, "scan off-chain record")
	}
	rec.CreatedAt = time.Unix(0, created)
	what := fmt.Sprintf("off-chain record %d", rec.ID)
	if err := decodeRoots(what, []storedRoot{{rootOld, &rec.MerkleRootOld}, {rootNew, &rec.MerkleRootNew}}); err != nil {
		return OffChainRecord{}, err
	}
	if rec.Proof, err = decompressProof(blob); err != nil {
		return OffChainRecord{}, dberr.Invariant("%s: %v", what, err)
	}
	return rec, nil
}

// Create anchors the latest off-chain proof: it writes an unsigned rollup
// transaction and a provisional on-chain record. It reports false when there
// is no proof yet or the latest proof is already pending or confirmed on chain.
// A failed submission does not block a new attempt.
func (c *Coordinator) Create(ctx context.Context, q storage.Querier, database string) (bool, Transaction, error) {
	rec, ok, err := c.LatestOffChain(ctx, q, database)
	if err != nil || !ok {
		return false, Transaction{}, err
	}
	t, err := c.Transition(ctx, q, rec.TransitionLogID)
	if err != nil {
		if errors.Is(err, dberr.ErrNotFound) {
			return false, Transaction{}, dberr.Invariant("off-chain record %d references missing transition log %d", rec.ID, rec.TransitionLogID)
		}
		return false, Transaction{}, err
	}
	if t.MerkleRootNew != rec.MerkleRootNew || t.OperationNumber != rec.Step {
		return false, Transaction{}, dberr.Invariant("off-chain record %d disagrees with transition log %d", rec.ID, t.ID)
	}

	var live int
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rollup_onchain WHERE offchain_id = ? AND status != 'Failed'
	`, rec.ID).Scan(&live); err != nil {
		return false, Transaction{}, storage.Wrap(err, "count on-chain records of %d", rec.ID)
	}
	if live > 0 {
		return false, Transaction{}, nil
	}

	callData, err := EncodeSubmission(database, rec)
	if err != nil {
		return false, Transaction{}, err
	}
	now := c.now()
	result, err := q.ExecContext(ctx, `
		INSERT INTO transactions (database_name, kind, status, unsigned_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, database, kindRollup, string(TxUnsigned), callData, now.UnixNano(), now.UnixNano())
	if err != nil {
		return false, Transaction{}, storage.Wrap(err, "insert rollup transaction")
	}
	txID, err := result.LastInsertId()
	if err != nil {
		return false, Transaction{}, storage.Wrap(err, "insert rollup transaction")
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO rollup_onchain (database_name, transaction_id, offchain_id, step, merkle_root_old, merkle_root_new, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, database, txID, rec.ID, rec.Step, hashing.Encode(hashing.Field(rec.MerkleRootOld)),
		hashing.Encode(hashing.Field(rec.MerkleRootNew)), string(OnChainPending), now.UnixNano(), now.UnixNano()); err != nil {
		// a constraint hit surfaces as a conflict so the caller's unit, and the
		// transaction row above, roll back
		return false, Transaction{}, storage.Wrap(err, "insert on-chain record")
	}
	c.log.WithFields(logrus.Fields{"database": database, "step": rec.Step, "transaction": txID}).Info("rollup created")
	return true, Transaction{
		ID:              txID,
		Database:        database,
		Kind:            kindRollup,
		Status:          TxUnsigned,
		UnsignedPayload: callData,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

const transactionColumns = `id, database_name, kind, status, unsigned_payload, signed_payload, tx_hash, error, created_at, updated_at`

func (c *Coordinator) Transaction(ctx context.Context, q storage.Querier, id int64) (Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, dberr.NotFound("transaction %d", id)
	}
	return tx, err
}

// InFlight returns the transactions sent to the network and not yet settled.
func (c *Coordinator) InFlight(ctx context.Context, q storage.Querier) ([]Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE status IN ('Unconfirmed', 'Confirming') ORDER BY id ASC
	`)
	if err != nil {
		return nil, storage.Wrap(err, "query in-flight transactions")
	}
	defer rows.Close()
	txs := make([]Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(err, "iterate in-flight transactions")
	}
	return txs, nil
}

func scanTransaction(row scanner) (Transaction, error) {
	var tx Transaction
	var status string
	var unsigned, signed []byte
	var created, updated int64
	err := row.Scan(&tx.ID, &tx.Database, &tx.Kind, &status, &unsigned, &signed, &tx.TxHash, &tx.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, err
	}
	if err != nil {
		return Transaction{}, storage.Wrap(err, "scan transaction")
	}
	tx.Status = TxStatus(status)
	tx.UnsignedPayload = unsigned
	tx.SignedPayload = signed
	tx.CreatedAt = time.Unix(0, created)
	tx.UpdatedAt = time.Unix(0, updated)
	return tx, nil
}

// AttachSignature stores the externally signed payload of an unsigned
// transaction and enqueues its submission in the same write.
func (c *Coordinator) AttachSignature(ctx context.Context, q storage.Querier, database string, txID int64, signed []byte) (Transaction, error) {
	if len(signed) == 0 {
		return Transaction{}, dberr.Validation("signed payload is empty")
	}
	tx, err := c.Transaction(ctx, q, txID)
	if err != nil {
		return Transaction{}, err
	}
	if tx.Database != database {
		return Transaction{}, dberr.NotFound("transaction %d in database %s", txID, database)
	}
	if tx.Status != TxUnsigned {
		return Transaction{}, dberr.Conflict("transaction %d is %s, not %s", txID, tx.Status, TxUnsigned)
	}
	now := c.now()
	if _, err := q.ExecContext(ctx, `
		UPDATE transactions SET status = ?, signed_payload = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(TxSigned), signed, now.UnixNano(), txID, string(TxUnsigned)); err != nil {
		return Transaction{}, storage.Wrap(err, "sign transaction %d", txID)
	}
	if _, err := c.submissions.Enqueue(ctx, q, database, SubmitJob{TransactionID: txID}, nil); err != nil {
		return Transaction{}, err
	}
	tx.Status = TxSigned
	tx.SignedPayload = signed
	tx.UpdatedAt = now
	return tx, nil
}

// RecordTransactionStatus applies a blockchain status change. Confirmed and
// Failed settle the on-chain record the transaction carries.
func (c *Coordinator) RecordTransactionStatus(ctx context.Context, q storage.Querier, txID int64, status TxStatus, txHash, reason string) (Transaction, error) {
	tx, err := c.Transaction(ctx, q, txID)
	if err != nil {
		return Transaction{}, err
	}
	if !tx.Status.canMoveTo(status) {
		return Transaction{}, dberr.Conflict("transaction %d cannot move from %s to %s", txID, tx.Status, status)
	}
	if txHash == "" {
		txHash = tx.TxHash
	}
	now := c.now()
	if _, err := q.ExecContext(ctx, `
		UPDATE transactions SET status = ?, tx_hash = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(status), txHash, reason, now.UnixNano(), txID); err != nil {
		return Transaction{}, storage.Wrap(err, "update transaction %d", txID)
	}
	var onChain OnChainStatus
	switch status {
	case TxConfirmed:
		onChain = OnChainConfirmed
	case TxFailed:
		onChain = OnChainFailed
	}
	if onChain != "" {
		if _, err := q.ExecContext(ctx, `
			UPDATE rollup_onchain SET status = ?, updated_at = ? WHERE transaction_id = ?
		`, string(onChain), now.UnixNano(), txID); err != nil {
			return Transaction{}, storage.Wrap(err, "settle on-chain record of transaction %d", txID)
		}
		entry := c.log.WithFields(logrus.Fields{"database": tx.Database, "transaction": txID, "hash": txHash})
		if status == TxFailed {
			entry.WithField("reason", reason).Warn("rollup transaction failed")
		} else {
			entry.Info("rollup transaction confirmed")
		}
	}
	tx.Status = status
	tx.TxHash = txHash
	tx.Error = reason
	tx.UpdatedAt = now
	return tx, nil
}

const onChainColumns = `id, database_name, transaction_id, offchain_id, step, merkle_root_old, merkle_root_new, status, created_at, updated_at`

// OnChainRecords lists a database's on-chain records, newest first.
func (c *Coordinator) OnChainRecords(ctx context.Context, q storage.Querier, database string) ([]OnChainRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+onChainColumns+` FROM rollup_onchain WHERE database_name = ? ORDER BY id DESC
	`, database)
	if err != nil {
		return nil, storage.Wrap(err, "query on-chain records")
	}
	defer rows.Close()
	recs := make([]OnChainRecord, 0)
	for rows.Next() {
		rec, err := scanOnChain(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(err, "iterate on-chain records")
	}
	return recs, nil
}

func scanOnChain(row scanner) (OnChainRecord, error) {
	var rec OnChainRecord
	var status string
	var rootOld, rootNew []byte
	var created, updated int64
	err := row.Scan(&rec.ID, &rec.Database, &rec.TransactionID, &rec.OffChainID, &rec.Step, &rootOld, &rootNew, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return OnChainRecord{}, err
	}
	if err != nil {
		return OnChainRecord{}, storage.Wrap(err, "scan on-chain record")
	}
	rec.Status = OnChainStatus(status)
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	if err := decodeRoots(fmt.Sprintf("on-chain record %d", rec.ID),
		[]storedRoot{{rootOld, &rec.MerkleRootOld}, {rootNew, &rec.MerkleRootNew}}); err != nil {
		return OnChainRecord{}, err
	}
	return rec, nil
}
