package service

import (
	"context"
	"time"

	"zkdocdb/server/internal/merkle"
	"zkdocdb/server/internal/rollup"
	"zkdocdb/server/internal/storage"
)

// Roots and witnesses are public commitments; reading them needs no permission.
// Each read runs on one snapshot so a multi-node walk never straddles a commit.

// GetRoot returns the database root as of at.
func (s *Service) GetRoot(ctx context.Context, database string, at time.Time) (rollup.Root, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return rollup.Root{}, err
	}
	var root rollup.Root
	err = s.store.InReadTx(ctx, func(q storage.Querier) error {
		h, err := db.Tree.GetRoot(ctx, q, at)
		root = rollup.Root(h)
		return err
	})
	if err != nil {
		return rollup.Root{}, err
	}
	return root, nil
}

// GetWitness returns the witness of leaf index as of at.
func (s *Service) GetWitness(ctx context.Context, database string, index uint64, at time.Time) (merkle.Witness, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return nil, err
	}
	var w merkle.Witness
	err = s.store.InReadTx(ctx, func(q storage.Querier) error {
		w, err = db.Tree.GetWitness(ctx, q, index, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetNode returns one node hash as of at.
func (s *Service) GetNode(ctx context.Context, database string, level int, index uint64, at time.Time) (rollup.Root, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return rollup.Root{}, err
	}
	var node rollup.Root
	err = s.store.InReadTx(ctx, func(q storage.Querier) error {
		h, err := db.Tree.GetNode(ctx, q, level, index, at)
		node = rollup.Root(h)
		return err
	})
	if err != nil {
		return rollup.Root{}, err
	}
	return node, nil
}
