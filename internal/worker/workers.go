package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"zkdocdb/server/internal/chain"
	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/prover"
	"zkdocdb/server/internal/queue"
	"zkdocdb/server/internal/rollup"
	"zkdocdb/server/internal/service"
	"zkdocdb/server/internal/storage"
)

type Config struct {
	ProofInterval   time.Duration
	SubmitInterval  time.Duration
	ConfirmInterval time.Duration
	ReapInterval    time.Duration
	LeaseTimeout    time.Duration
	// Batch bounds how many tasks one tick drains.
	Batch int
}

func DefaultConfig() Config {
	return Config{
		ProofInterval:   time.Second,
		SubmitInterval:  time.Second,
		ConfirmInterval: 5 * time.Second,
		ReapInterval:    30 * time.Second,
		LeaseTimeout:    5 * time.Minute,
		Batch:           32,
	}
}

// Pool owns the background loops of one server.
type Pool struct {
	svc     *service.Service
	store   storage.Store
	rollups *rollup.Coordinator
	prover  prover.Prover
	network chain.Network
	cfg     Config
	log     *logrus.Entry
}

func NewPool(svc *service.Service, p prover.Prover, network chain.Network, cfg Config, log *logrus.Entry) *Pool {
	if cfg.Batch <= 0 {
		cfg.Batch = 1
	}
	return &Pool{
		svc:     svc,
		store:   svc.Store(),
		rollups: svc.Rollups(),
		prover:  p,
		network: network,
		cfg:     cfg,
		log:     log,
	}
}

// Run starts every loop and blocks until ctx is done or one loop fails.
func (p *Pool) Run(ctx context.Context) error {
	runners := []*Runner{
		NewRunner("prove", p.cfg.ProofInterval, p.drain(p.ProveNext), p.log),
		NewRunner("submit", p.cfg.SubmitInterval, p.drain(p.SubmitNext), p.log),
		NewRunner("confirm", p.cfg.ConfirmInterval, p.PollConfirmations, p.log),
		NewRunner("reap", p.cfg.ReapInterval, p.Reap, p.log),
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

// drain repeats step until it reports no work or the batch is spent.
func (p *Pool) drain(step func(ctx context.Context) (bool, error)) TickFunc {
	return func(ctx context.Context) error {
		for range p.cfg.Batch {
			worked, err := step(ctx)
			if err != nil || !worked {
				return err
			}
		}
		return nil
	}
}

// ProveNext proves the next eligible transition. A prover error classed
// External leaves the task leased so the reaper returns it to the queue.
func (p *Pool) ProveNext(ctx context.Context) (bool, error) {
	proofs := p.rollups.Proofs()
	var task queue.Task[rollup.ProofJob]
	var ok bool
	err := p.store.InTx(ctx, func(q storage.Querier) error {
		var err error
		task, ok, err = proofs.Acquire(ctx, q, "")
		return err
	})
	if err != nil || !ok {
		return false, err
	}
	entry := p.log.WithFields(logrus.Fields{"database": task.Database, "task": task.ID, "step": task.Data.OperationNumber})

	t, err := p.rollups.Transition(ctx, p.store.Reader(), task.Data.TransitionID)
	if err != nil {
		return true, p.fail(ctx, entry, task.ID, proofs.MarkFailed, err)
	}
	proof, err := p.prover.Prove(ctx, t)
	if errors.Is(err, dberr.ErrExternal) || ctx.Err() != nil {
		entry.WithError(err).Warn("prover unavailable, task stays leased")
		return false, nil
	}
	if err != nil {
		return true, p.fail(ctx, entry, task.ID, proofs.MarkFailed, err)
	}
	if _, err := p.svc.CompleteProof(ctx, task, proof); err != nil {
		return true, p.fail(ctx, entry, task.ID, proofs.MarkFailed, err)
	}
	entry.Debug("proof recorded")
	return true, nil
}

// SubmitNext sends the next signed transaction to the network.
func (p *Pool) SubmitNext(ctx context.Context) (bool, error) {
	submissions := p.rollups.Submissions()
	var task queue.Task[rollup.SubmitJob]
	var ok bool
	err := p.store.InTx(ctx, func(q storage.Querier) error {
		var err error
		task, ok, err = submissions.Acquire(ctx, q, "")
		return err
	})
	if err != nil || !ok {
		return false, err
	}
	txID := task.Data.TransactionID
	entry := p.log.WithFields(logrus.Fields{"database": task.Database, "task": task.ID, "transaction": txID})

	tx, err := p.rollups.Transaction(ctx, p.store.Reader(), txID)
	if err != nil {
		return true, p.fail(ctx, entry, task.ID, submissions.MarkFailed, err)
	}
	if tx.Status != rollup.TxSigned {
		entry.WithField("status", tx.Status).Info("transaction already sent")
		return true, p.store.InTx(ctx, func(q storage.Querier) error {
			return submissions.MarkSuccess(ctx, q, task.ID)
		})
	}
	hash, err := p.network.Submit(ctx, tx.SignedPayload)
	if errors.Is(err, dberr.ErrExternal) || ctx.Err() != nil {
		entry.WithError(err).Warn("network unavailable, task stays leased")
		return false, nil
	}
	if err != nil {
		entry.WithError(err).Warn("network rejected transaction")
		reason := err.Error()
		return true, p.store.InTx(ctx, func(q storage.Querier) error {
			if _, err := p.rollups.RecordTransactionStatus(ctx, q, txID, rollup.TxFailed, "", reason); err != nil {
				return err
			}
			return submissions.MarkFailed(ctx, q, task.ID, reason)
		})
	}
	err = p.store.InTx(ctx, func(q storage.Querier) error {
		if _, err := p.rollups.RecordTransactionStatus(ctx, q, txID, rollup.TxUnconfirmed, hash, ""); err != nil {
			return err
		}
		return submissions.MarkSuccess(ctx, q, task.ID)
	})
	if err != nil {
		return true, err
	}
	entry.WithField("hash", hash).Info("transaction submitted")
	return true, nil
}

// PollConfirmations moves every in-flight transaction to the state the
// network reports.
func (p *Pool) PollConfirmations(ctx context.Context) error {
	txs, err := p.rollups.InFlight(ctx, p.store.Reader())
	if err != nil {
		return err
	}
	for _, tx := range txs {
		receipt, err := p.network.Status(ctx, tx.TxHash)
		if err != nil {
			return err
		}
		next, reason := nextStatus(tx.Status, receipt)
		if next == "" {
			continue
		}
		err = p.store.InTx(ctx, func(q storage.Querier) error {
			_, err := p.rollups.RecordTransactionStatus(ctx, q, tx.ID, next, "", reason)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// nextStatus maps a receipt onto the transaction lifecycle; empty means no change.
func nextStatus(current rollup.TxStatus, r chain.Receipt) (rollup.TxStatus, string) {
	switch r.State {
	case chain.StateConfirming:
		if current != rollup.TxConfirming {
			return rollup.TxConfirming, ""
		}
	case chain.StateConfirmed:
		return rollup.TxConfirmed, ""
	case chain.StateFailed:
		return rollup.TxFailed, "transaction reverted"
	}
	return "", ""
}

// Reap returns tasks whose lease expired to their queue.
func (p *Pool) Reap(ctx context.Context) error {
	return p.store.InTx(ctx, func(q storage.Querier) error {
		proofs, err := p.rollups.Proofs().RequeueExpired(ctx, q, p.cfg.LeaseTimeout)
		if err != nil {
			return err
		}
		submissions, err := p.rollups.Submissions().RequeueExpired(ctx, q, p.cfg.LeaseTimeout)
		if err != nil {
			return err
		}
		if proofs+submissions > 0 {
			p.log.WithFields(logrus.Fields{"proof": proofs, "rollup": submissions}).Info("requeued expired tasks")
		}
		return nil
	})
}

func (p *Pool) fail(ctx context.Context, entry *logrus.Entry, taskID int64, mark func(context.Context, storage.Querier, int64, string) error, cause error) error {
	if errors.Is(cause, dberr.ErrInvariant) {
		entry.WithError(cause).Error("invariant violation")
	} else {
		entry.WithError(cause).Warn("task failed")
	}
	return p.store.InTx(ctx, func(q storage.Querier) error {
		return mark(ctx, q, taskID, cause.Error())
	})
}
