package service

import (
	"context"

	"zkdocdb/server/internal/queue"
	"zkdocdb/server/internal/registry"
	"zkdocdb/server/internal/rollup"
	"zkdocdb/server/internal/storage"
)

// RollupCreate anchors the latest proof of database. It reports false when
// there is nothing new to anchor. Reserved to the database owner.
func (s *Service) RollupCreate(ctx context.Context, actor, database string) (bool, rollup.Transaction, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return false, rollup.Transaction{}, err
	}
	if err := requireDatabaseOwner(db, actor); err != nil {
		return false, rollup.Transaction{}, err
	}
	var created bool
	var tx rollup.Transaction
	err = s.store.InTx(ctx, func(q storage.Querier) error {
		var err error
		created, tx, err = s.rollups.Create(ctx, q, database)
		return err
	})
	s.logInvariant(database, err)
	return created, tx, err
}

// RollupState derives the current rollup state of database.
func (s *Service) RollupState(ctx context.Context, database string) (rollup.State, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return rollup.State{}, err
	}
	return s.rollups.State(ctx, s.store.Reader(), database)
}

// SubmitSignedTransaction attaches the externally signed payload of a rollup
// transaction and queues it for submission.
func (s *Service) SubmitSignedTransaction(ctx context.Context, actor, database string, txID int64, signed []byte) (rollup.Transaction, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return rollup.Transaction{}, err
	}
	if err := requireDatabaseOwner(db, actor); err != nil {
		return rollup.Transaction{}, err
	}
	var tx rollup.Transaction
	err = s.store.InTx(ctx, func(q storage.Querier) error {
		current, err := s.rollups.Transaction(ctx, q, txID)
		if err != nil {
			return err
		}
		if err := s.network.Verify(signed, current.UnsignedPayload); err != nil {
			return err
		}
		tx, err = s.rollups.AttachSignature(ctx, q, database, txID, signed)
		return err
	})
	return tx, err
}

// RecordProof stores a proof produced by an external prover, for deployments
// that run without the proof worker.
func (s *Service) RecordProof(ctx context.Context, actor, database string, transitionID int64, proof []byte) (rollup.OffChainRecord, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return rollup.OffChainRecord{}, err
	}
	if err := requireDatabaseOwner(db, actor); err != nil {
		return rollup.OffChainRecord{}, err
	}
	return s.recordProof(ctx, db, transitionID, proof, 0)
}

// CompleteProof records the proof of a leased proof task and marks it done.
func (s *Service) CompleteProof(ctx context.Context, task queue.Task[rollup.ProofJob], proof []byte) (rollup.OffChainRecord, error) {
	db, err := s.registry.Open(ctx, task.Database)
	if err != nil {
		return rollup.OffChainRecord{}, err
	}
	return s.recordProof(ctx, db, task.Data.TransitionID, proof, task.ID)
}

func (s *Service) recordProof(ctx context.Context, db *registry.Database, transitionID int64, proof []byte, taskID int64) (rollup.OffChainRecord, error) {
	var rec rollup.OffChainRecord
	err := s.store.InTx(ctx, func(q storage.Querier) error {
		var err error
		rec, err = s.rollups.RecordProof(ctx, q, db.Name(), transitionID, proof)
		if err != nil {
			return err
		}
		if taskID != 0 {
			return s.rollups.Proofs().MarkSuccess(ctx, q, taskID)
		}
		return nil
	})
	s.logInvariant(db.Name(), err)
	return rec, err
}

// Transition returns one transition log of database.
func (s *Service) Transition(ctx context.Context, database string, id int64) (rollup.TransitionLog, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return rollup.TransitionLog{}, err
	}
	t, err := s.rollups.Transition(ctx, s.store.Reader(), id)
	if err != nil {
		return rollup.TransitionLog{}, err
	}
	if t.Database != database {
		return rollup.TransitionLog{}, notInDatabase("transition log", id, database)
	}
	return t, nil
}

func (s *Service) Transaction(ctx context.Context, database string, id int64) (rollup.Transaction, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return rollup.Transaction{}, err
	}
	tx, err := s.rollups.Transaction(ctx, s.store.Reader(), id)
	if err != nil {
		return rollup.Transaction{}, err
	}
	if tx.Database != database {
		return rollup.Transaction{}, notInDatabase("transaction", id, database)
	}
	return tx, nil
}

func (s *Service) OnChainRecords(ctx context.Context, database string) ([]rollup.OnChainRecord, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return nil, err
	}
	return s.rollups.OnChainRecords(ctx, s.store.Reader(), database)
}

// ProofTasks lists the proof jobs of database, optionally by status.
func (s *Service) ProofTasks(ctx context.Context, database string, status queue.Status) ([]queue.Task[rollup.ProofJob], error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return nil, err
	}
	return s.rollups.Proofs().List(ctx, s.store.Reader(), database, status)
}
