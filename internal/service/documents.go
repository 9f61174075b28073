package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/document"
	"zkdocdb/server/internal/hashing"
	"zkdocdb/server/internal/merkle"
	"zkdocdb/server/internal/permission"
	"zkdocdb/server/internal/registry"
	"zkdocdb/server/internal/rollup"
	"zkdocdb/server/internal/schema"
	"zkdocdb/server/internal/storage"
)

// CreateInput describes a new document. DocID may be empty; it may also name
// a dropped document, which is then re-created on its old Merkle leaf.
// Without explicit Permissions and Group the collection defaults apply.
type CreateInput struct {
	DocID       string                     `json:"docId,omitempty"`
	Fields      map[string]json.RawMessage `json:"fields"`
	Group       string                     `json:"group,omitempty"`
	Permissions *permission.Permissions    `json:"permissions,omitempty"`
}

// Selector picks one document, by id or by an equality filter that must
// match exactly one document the actor can read.
type Selector struct {
	DocID  string                     `json:"docId,omitempty"`
	Filter map[string]json.RawMessage `json:"filter,omitempty"`
}

// Page bounds a FindDocuments result.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

func (p Page) normalize() (Page, error) {
	if p.Offset < 0 || p.Limit < 0 {
		return Page{}, dberr.Validation("offset and limit must not be negative")
	}
	if p.Limit == 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p, nil
}

// Documents is one page of readable active revisions.
type Documents struct {
	Items  []document.Revision `json:"items"`
	Total  int                 `json:"total"`
	Offset int                 `json:"offset"`
	Limit  int                 `json:"limit"`
}

func (s *Service) CreateDocument(ctx context.Context, actor, database, collection string, in CreateInput) (WriteResult, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return WriteResult{}, err
	}
	var res WriteResult
	err = s.write(ctx, db, func(tx storage.Querier, at time.Time) error {
		coll, err := s.docs.GetCollection(ctx, tx, database, collection)
		if err != nil {
			return err
		}
		fields, err := coll.Schema.Build(in.Fields)
		if err != nil {
			return err
		}
		if err := s.perms.Require(ctx, tx, database, actor, collection, "", permission.Create); err != nil {
			return err
		}
		if in.DocID != "" {
			if err := s.requireRecreate(ctx, tx, database, actor, collection, in.DocID); err != nil {
				return err
			}
		}
		rev, err := s.docs.Create(ctx, tx, database, collection, in.DocID, fields)
		if err != nil {
			return err
		}
		if err := s.ensureMetadata(ctx, tx, database, actor, collection, rev.DocID, in); err != nil {
			return err
		}
		index, err := s.docs.AssignLeaf(ctx, tx, database, rev.DocID, db.Tree.LeafCount())
		if err != nil {
			return err
		}
		res, err = s.commitLeaf(ctx, tx, db, at, rollup.OperationCreate, index, schema.Commitment(fields), "", rev.ObjectID)
		res.Revision = rev
		return err
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// requireRecreate lets a dropped document come back only for an actor holding
// create on the document itself.
func (s *Service) requireRecreate(ctx context.Context, tx storage.Querier, database, actor, collection, docID string) error {
	_, err := s.perms.Store().Get(ctx, tx, database, collection, docID)
	if errors.Is(err, dberr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.perms.RequireDocument(ctx, tx, database, actor, collection, docID, permission.Create)
	return err
}

// ensureMetadata gives a first-time document its permission record, owned by
// the creating actor. A re-created document keeps its record.
func (s *Service) ensureMetadata(ctx context.Context, tx storage.Querier, database, actor, collection, docID string, in CreateInput) error {
	_, err := s.perms.Store().Get(ctx, tx, database, collection, docID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, dberr.ErrNotFound) {
		return err
	}
	defaults, err := s.perms.Store().Get(ctx, tx, database, collection, "")
	if err != nil {
		return err
	}
	m := permission.Metadata{
		Collection:  collection,
		DocID:       docID,
		Owner:       actor,
		Group:       defaults.Group,
		Permissions: defaults.Permissions,
	}
	if in.Group != "" {
		if _, err := s.perms.Store().GetGroup(ctx, tx, database, in.Group); err != nil {
			return err
		}
		m.Group = in.Group
	}
	if in.Permissions != nil {
		m.Permissions = *in.Permissions
	}
	return s.perms.Store().Put(ctx, tx, database, m)
}

// UpdateDocument merges changes into the selected document and writes the
// result as its new active revision.
func (s *Service) UpdateDocument(ctx context.Context, actor, database, collection string, sel Selector, changes map[string]json.RawMessage) (WriteResult, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return WriteResult{}, err
	}
	var res WriteResult
	err = s.write(ctx, db, func(tx storage.Querier, at time.Time) error {
		coll, err := s.docs.GetCollection(ctx, tx, database, collection)
		if err != nil {
			return err
		}
		current, err := s.selectOne(ctx, tx, database, actor, coll, sel, permission.Write)
		if err != nil {
			return err
		}
		fields, err := coll.Schema.Merge(current.Fields, changes)
		if err != nil {
			return err
		}
		prev, next, err := s.docs.Update(ctx, tx, database, collection, current.DocID, fields)
		if err != nil {
			return err
		}
		index, err := s.leafOf(ctx, tx, database, next.DocID)
		if err != nil {
			return err
		}
		res, err = s.commitLeaf(ctx, tx, db, at, rollup.OperationUpdate, index, schema.Commitment(fields), prev.ObjectID, next.ObjectID)
		res.Revision = next
		return err
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// DropDocument deactivates the selected document and clears its leaf.
func (s *Service) DropDocument(ctx context.Context, actor, database, collection string, sel Selector) (WriteResult, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return WriteResult{}, err
	}
	var res WriteResult
	err = s.write(ctx, db, func(tx storage.Querier, at time.Time) error {
		coll, err := s.docs.GetCollection(ctx, tx, database, collection)
		if err != nil {
			return err
		}
		current, err := s.selectOne(ctx, tx, database, actor, coll, sel, permission.Delete)
		if err != nil {
			return err
		}
		prev, err := s.docs.Delete(ctx, tx, database, collection, current.DocID)
		if err != nil {
			return err
		}
		index, err := s.leafOf(ctx, tx, database, prev.DocID)
		if err != nil {
			return err
		}
		res, err = s.commitLeaf(ctx, tx, db, at, rollup.OperationDrop, index, hashing.Field{}, prev.ObjectID, "")
		res.Revision = prev
		return err
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// leafOf returns the leaf of a document that has revisions; a missing
// assignment is an invariant violation.
func (s *Service) leafOf(ctx context.Context, tx storage.Querier, database, docID string) (uint64, error) {
	index, err := s.docs.LeafIndex(ctx, tx, database, docID)
	if errors.Is(err, dberr.ErrNotFound) {
		return 0, dberr.Invariant("document %s has no merkle leaf", docID)
	}
	return index, err
}

// selectOne resolves sel to one active revision and checks action on it.
func (s *Service) selectOne(ctx context.Context, q storage.Querier, database, actor string, coll document.Collection, sel Selector, action permission.Action) (document.Revision, error) {
	var rev document.Revision
	switch {
	case sel.DocID != "":
		var err error
		rev, err = s.docs.Active(ctx, q, database, coll.Name, sel.DocID)
		if err != nil {
			return document.Revision{}, err
		}
	case len(sel.Filter) > 0:
		filter, err := coll.Schema.Filter(sel.Filter)
		if err != nil {
			return document.Revision{}, err
		}
		revs, err := s.readable(ctx, q, database, actor, coll.Name, filter)
		if err != nil {
			return document.Revision{}, err
		}
		switch len(revs) {
		case 0:
			return document.Revision{}, dberr.NotFound("no document in %s matches the filter", coll.Name)
		case 1:
			rev = revs[0]
		default:
			return document.Revision{}, dberr.Conflict("filter matches %d documents in %s", len(revs), coll.Name)
		}
	default:
		return document.Revision{}, dberr.Validation("a document id or filter is required")
	}
	if action == permission.Read {
		ok, err := s.perms.CanReadDocument(ctx, q, database, actor, coll.Name, rev.DocID)
		if err != nil {
			return document.Revision{}, err
		}
		if !ok {
			// unreadable documents are indistinguishable from absent ones
			return document.Revision{}, dberr.NotFound("no active revision of document %s", rev.DocID)
		}
		return rev, nil
	}
	if _, err := s.perms.RequireDocument(ctx, q, database, actor, coll.Name, rev.DocID, action); err != nil {
		return document.Revision{}, err
	}
	return rev, nil
}

// readable returns the active revisions matching filter that actor may read.
func (s *Service) readable(ctx context.Context, q storage.Querier, database, actor, collection string, filter []schema.Field) ([]document.Revision, error) {
	revs, err := s.docs.FindActive(ctx, q, database, collection, filter)
	if err != nil {
		return nil, err
	}
	out := revs[:0]
	for _, rev := range revs {
		ok, err := s.perms.CanReadDocument(ctx, q, database, actor, collection, rev.DocID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rev)
		}
	}
	return out, nil
}

// FindDocument returns the one readable document sel picks.
func (s *Service) FindDocument(ctx context.Context, actor, database, collection string, sel Selector) (document.Revision, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return document.Revision{}, err
	}
	q := s.store.Reader()
	coll, err := s.docs.GetCollection(ctx, q, database, collection)
	if err != nil {
		return document.Revision{}, err
	}
	rev, err := s.selectOne(ctx, q, database, actor, coll, sel, permission.Read)
	s.logInvariant(database, err)
	return rev, err
}

// FindDocuments returns a page of readable active documents matching filter,
// oldest first. Total counts every readable match.
func (s *Service) FindDocuments(ctx context.Context, actor, database, collection string, filter map[string]json.RawMessage, page Page) (Documents, error) {
	page, err := page.normalize()
	if err != nil {
		return Documents{}, err
	}
	if _, err := s.registry.Open(ctx, database); err != nil {
		return Documents{}, err
	}
	q := s.store.Reader()
	coll, err := s.docs.GetCollection(ctx, q, database, collection)
	if err != nil {
		return Documents{}, err
	}
	parsed, err := coll.Schema.Filter(filter)
	if err != nil {
		return Documents{}, err
	}
	revs, err := s.readable(ctx, q, database, actor, collection, parsed)
	if err != nil {
		s.logInvariant(database, err)
		return Documents{}, err
	}
	out := Documents{Items: []document.Revision{}, Total: len(revs), Offset: page.Offset, Limit: page.Limit}
	if page.Offset < len(revs) {
		end := min(page.Offset+page.Limit, len(revs))
		out.Items = revs[page.Offset:end]
	}
	return out, nil
}

// DocumentHistory returns every revision of a document the actor can read.
func (s *Service) DocumentHistory(ctx context.Context, actor, database, collection, docID string) ([]document.Revision, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return nil, err
	}
	q := s.store.Reader()
	revs, err := s.docs.History(ctx, q, database, collection, docID)
	if err != nil {
		return nil, err
	}
	if err := s.requireReadable(ctx, q, database, actor, collection, docID); err != nil {
		s.logInvariant(database, err)
		return nil, err
	}
	return revs, nil
}

// requireReadable reports an unreadable document as absent.
func (s *Service) requireReadable(ctx context.Context, q storage.Querier, database, actor, collection, docID string) error {
	ok, err := s.perms.CanReadDocument(ctx, q, database, actor, collection, docID)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.NotFound("document %s not found in %s", docID, collection)
	}
	return nil
}

// DocumentProof is a document's leaf with the witness opening it against root.
type DocumentProof struct {
	DocID       string         `json:"docId"`
	MerkleIndex uint64         `json:"merkleIndex"`
	Leaf        rollup.Root    `json:"leaf"`
	Root        rollup.Root    `json:"root"`
	Witness     merkle.Witness `json:"witness"`
	At          time.Time      `json:"at"`
}

// DocumentWitness proves a readable document's leaf as of at. The proof is
// read from one snapshot, so Root is the stored root the witness opens.
func (s *Service) DocumentWitness(ctx context.Context, actor, database, collection, docID string, at time.Time) (DocumentProof, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return DocumentProof{}, err
	}
	var proof DocumentProof
	err = s.store.InReadTx(ctx, func(q storage.Querier) error {
		// a document that never existed has no leaf
		index, err := s.docs.LeafIndex(ctx, q, database, docID)
		if err != nil {
			return err
		}
		if err := s.requireReadable(ctx, q, database, actor, collection, docID); err != nil {
			return err
		}
		proof, err = s.proveLeaf(ctx, q, db, docID, index, at)
		return err
	})
	if err != nil {
		s.logInvariant(database, err)
		return DocumentProof{}, err
	}
	return proof, nil
}

func (s *Service) proveLeaf(ctx context.Context, q storage.Querier, db *registry.Database, docID string, index uint64, at time.Time) (DocumentProof, error) {
	w, err := db.Tree.GetWitness(ctx, q, index, at)
	if err != nil {
		return DocumentProof{}, err
	}
	leaf, err := db.Tree.GetNode(ctx, q, 0, index, at)
	if err != nil {
		return DocumentProof{}, err
	}
	root, err := db.Tree.GetRoot(ctx, q, at)
	if err != nil {
		return DocumentProof{}, err
	}
	if merkle.ComputeRoot(leaf, w) != root {
		return DocumentProof{}, dberr.Invariant("witness of leaf %d does not open the root of %s at %s", index, db.Name(), at.Format(time.RFC3339Nano))
	}
	return DocumentProof{
		DocID:       docID,
		MerkleIndex: index,
		Leaf:        rollup.Root(leaf),
		Root:        rollup.Root(root),
		Witness:     w,
		At:          at,
	}, nil
}
