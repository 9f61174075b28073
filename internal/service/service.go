// Package service implements the caller operations. Every mutation runs in a
// single storage transaction under the database's tree write lock: the
// permission check, the revision, the Merkle leaf, the transition log and the
// proof job commit or roll back together.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"zkdocdb/server/internal/chain"
	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/document"
	"zkdocdb/server/internal/hashing"
	"zkdocdb/server/internal/merkle"
	"zkdocdb/server/internal/permission"
	"zkdocdb/server/internal/registry"
	"zkdocdb/server/internal/rollup"
	"zkdocdb/server/internal/storage"
)

type Service struct {
	registry *registry.Registry
	store    storage.Store
	docs     *document.Store
	perms    *permission.Engine
	rollups  *rollup.Coordinator
	network  chain.Network
	log      *logrus.Entry
	now      func() time.Time
}

func New(reg *registry.Registry, rollups *rollup.Coordinator, network chain.Network, log *logrus.Entry) *Service {
	return &Service{
		registry: reg,
		store:    reg.Store(),
		docs:     document.NewStore(),
		perms:    permission.NewEngine(permission.NewStore()),
		rollups:  rollups,
		network:  network,
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) Rollups() *rollup.Coordinator { return s.rollups }

func (s *Service) Store() storage.Store { return s.store }

// WriteResult is returned by every document mutation.
type WriteResult struct {
	Revision        document.Revision `json:"revision"`
	MerkleIndex     uint64            `json:"merkleIndex"`
	Witness         merkle.Witness    `json:"witness"`
	Leaf            rollup.Root       `json:"leaf"`
	Root            rollup.Root       `json:"root"`
	Timestamp       time.Time         `json:"timestamp"`
	OperationNumber int64             `json:"operationNumber"`
}

// write runs fn in one transaction holding db's write lock, handing it the
// Merkle timestamp of this write.
func (s *Service) write(ctx context.Context, db *registry.Database, fn func(tx storage.Querier, at time.Time) error) error {
	err := db.WithWriteLock(func() error {
		return s.store.InTx(ctx, func(tx storage.Querier) error {
			at, err := db.Tree.NextTimestamp(ctx, tx, s.now())
			if err != nil {
				return err
			}
			return fn(tx, at)
		})
	})
	s.logInvariant(db.Name(), err)
	return err
}

// commitLeaf sets the document's leaf and logs the transition.
func (s *Service) commitLeaf(ctx context.Context, tx storage.Querier, db *registry.Database, at time.Time, op rollup.Operation, index uint64, value hashing.Field, prev, cur string) (WriteResult, error) {
	u, err := db.Tree.SetLeaf(ctx, tx, index, value, at)
	if err != nil {
		return WriteResult{}, err
	}
	t, err := s.rollups.RecordTransition(ctx, tx, db.Name(), op, u, prev, cur)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{
		MerkleIndex:     u.Index,
		Witness:         u.Witness,
		Leaf:            rollup.Root(u.NewLeaf),
		Root:            rollup.Root(u.NewRoot),
		Timestamp:       at,
		OperationNumber: t.OperationNumber,
	}, nil
}

func (s *Service) logInvariant(database string, err error) {
	if errors.Is(err, dberr.ErrInvariant) {
		s.log.WithField("database", database).WithError(err).Error("invariant violation")
	}
}

// requireDatabaseOwner gates operations that act on the database as a whole.
func requireDatabaseOwner(db *registry.Database, actor string) error {
	if actor == "" || actor != db.Info.Owner {
		return dberr.PermissionDenied("%s does not own database %s", actor, db.Name())
	}
	return nil
}

func notInDatabase(what string, id int64, database string) error {
	return dberr.NotFound("%s %d in database %s", what, id, database)
}
