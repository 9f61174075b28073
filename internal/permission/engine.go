package permission

import (
	"context"
	"errors"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/storage"
)

// Engine answers permission checks and applies permission changes.
type Engine struct {
	store *Store
}

func NewEngine(store *Store) *Engine {
	return &Engine{store: store}
}

func (e *Engine) Store() *Store { return e.store }

// BucketOf resolves the single bucket actor falls into for m: owner on an exact
// name match, group on membership of m.Group, other otherwise.
func (e *Engine) BucketOf(ctx context.Context, q storage.Querier, database, actor string, m Metadata) (Bucket, error) {
	if actor != "" && actor == m.Owner {
		return BucketOwner, nil
	}
	if actor != "" && m.Group != "" {
		member, err := e.store.IsMember(ctx, q, database, m.Group, actor)
		if err != nil {
			return BucketOther, err
		}
		if member {
			return BucketGroup, nil
		}
	}
	return BucketOther, nil
}

// HasPermission reports whether actor may perform action on the collection
// (docID empty) or on one document. Document metadata overrides the
// collection default; with no metadata at all the answer is false.
func (e *Engine) HasPermission(ctx context.Context, q storage.Querier, database, actor, collection, docID string, action Action) (bool, error) {
	m, err := e.store.Resolve(ctx, q, database, collection, docID)
	if errors.Is(err, dberr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.allows(ctx, q, database, actor, m, action)
}

func (e *Engine) allows(ctx context.Context, q storage.Querier, database, actor string, m Metadata, action Action) (bool, error) {
	bucket, err := e.BucketOf(ctx, q, database, actor, m)
	if err != nil {
		return false, err
	}
	return m.SetFor(bucket).Has(action), nil
}

// Require is HasPermission returning ErrPermissionDenied on false.
func (e *Engine) Require(ctx context.Context, q storage.Querier, database, actor, collection, docID string, action Action) error {
	ok, err := e.HasPermission(ctx, q, database, actor, collection, docID, action)
	if err != nil {
		return err
	}
	if !ok {
		return denied(actor, collection, docID, action)
	}
	return nil
}

// RequireDocument checks action against the document's own metadata record,
// which every stored document carries. A missing record is an invariant violation.
func (e *Engine) RequireDocument(ctx context.Context, q storage.Querier, database, actor, collection, docID string, action Action) (Metadata, error) {
	m, err := e.documentMetadata(ctx, q, database, collection, docID)
	if err != nil {
		return Metadata{}, err
	}
	ok, err := e.allows(ctx, q, database, actor, m, action)
	if err != nil {
		return Metadata{}, err
	}
	if !ok {
		return Metadata{}, denied(actor, collection, docID, action)
	}
	return m, nil
}

// CanReadDocument is RequireDocument for read filtering: denial is not an error.
func (e *Engine) CanReadDocument(ctx context.Context, q storage.Querier, database, actor, collection, docID string) (bool, error) {
	m, err := e.documentMetadata(ctx, q, database, collection, docID)
	if err != nil {
		return false, err
	}
	return e.allows(ctx, q, database, actor, m, Read)
}

func (e *Engine) documentMetadata(ctx context.Context, q storage.Querier, database, collection, docID string) (Metadata, error) {
	m, err := e.store.Get(ctx, q, database, collection, docID)
	if errors.Is(err, dberr.ErrNotFound) {
		return Metadata{}, dberr.Invariant("document %s in %s has no permission metadata", docID, collection)
	}
	return m, err
}

// SetPermission replaces the permission sets of a collection or document.
// The actor must hold system on the target.
func (e *Engine) SetPermission(ctx context.Context, q storage.Querier, database, actor, collection, docID string, perms Permissions) (Metadata, error) {
	if !perms.Owner.Valid() || !perms.Group.Valid() || !perms.Other.Valid() {
		return Metadata{}, dberr.Validation("permission set out of range")
	}
	m, err := e.target(ctx, q, database, actor, collection, docID)
	if err != nil {
		return Metadata{}, err
	}
	m.Permissions = perms
	if err := e.store.Put(ctx, q, database, m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// OwnershipKind selects what TransferOwnership changes.
type OwnershipKind string

const (
	OwnershipUser  OwnershipKind = "owner"
	OwnershipGroup OwnershipKind = "group"
)

// TransferOwnership hands the owner or group of a collection or document to
// someone else. The actor must already hold system on the target; a target
// group must exist.
func (e *Engine) TransferOwnership(ctx context.Context, q storage.Querier, database, actor, collection, docID string, kind OwnershipKind, to string) (Metadata, error) {
	if to == "" {
		return Metadata{}, dberr.Validation("new %s is required", kind)
	}
	m, err := e.target(ctx, q, database, actor, collection, docID)
	if err != nil {
		return Metadata{}, err
	}
	switch kind {
	case OwnershipUser:
		m.Owner = to
	case OwnershipGroup:
		if _, err := e.store.GetGroup(ctx, q, database, to); err != nil {
			return Metadata{}, err
		}
		m.Group = to
	default:
		return Metadata{}, dberr.Validation("unknown ownership kind %q", kind)
	}
	if err := e.store.Put(ctx, q, database, m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func (e *Engine) target(ctx context.Context, q storage.Querier, database, actor, collection, docID string) (Metadata, error) {
	var m Metadata
	var err error
	if docID == "" {
		m, err = e.store.Get(ctx, q, database, collection, "")
	} else {
		m, err = e.documentMetadata(ctx, q, database, collection, docID)
	}
	if err != nil {
		return Metadata{}, err
	}
	ok, err := e.allows(ctx, q, database, actor, m, System)
	if err != nil {
		return Metadata{}, err
	}
	if !ok {
		return Metadata{}, denied(actor, collection, docID, System)
	}
	return m, nil
}

func denied(actor, collection, docID string, action Action) error {
	if docID == "" {
		return dberr.PermissionDenied("%s lacks %s on collection %s", actor, action, collection)
	}
	return dberr.PermissionDenied("%s lacks %s on document %s in %s", actor, action, docID, collection)
}
