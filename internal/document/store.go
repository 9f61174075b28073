// Package document stores immutable document revisions and tracks which
// revision of each document is active.
package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/schema"
	"zkdocdb/server/internal/storage"
)

// Store is stateless; every method runs against the querier it is handed so
// callers decide the transaction boundary.
type Store struct {
	now func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

const revisionColumns = `doc_id, object_id, collection, fields, active, COALESCE(previous_object_id, ''), created_at, updated_at`

func (s *Store) CreateCollection(ctx context.Context, q storage.Querier, database, name string, sch schema.Schema) (Collection, error) {
	if name == "" {
		return Collection{}, dberr.Validation("collection name is required")
	}
	if err := sch.Validate(); err != nil {
		return Collection{}, err
	}
	encoded, err := json.Marshal(sch)
	if err != nil {
		return Collection{}, fmt.Errorf("encode schema: %w", err)
	}
	now := s.now()
	if _, err := q.ExecContext(ctx, `
		INSERT INTO collections (database_name, name, schema, created_at)
		VALUES (?, ?, ?, ?)
	`, database, name, string(encoded), now.UnixNano()); err != nil {
		return Collection{}, storage.Wrap(err, "create collection %s", name)
	}
	return Collection{Database: database, Name: name, Schema: sch, CreatedAt: now}, nil
}

func (s *Store) GetCollection(ctx context.Context, q storage.Querier, database, name string) (Collection, error) {
	var encoded string
	var created int64
	err := q.QueryRowContext(ctx, `
		SELECT schema, created_at FROM collections WHERE database_name = ? AND name = ?
	`, database, name).Scan(&encoded, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, dberr.NotFound("collection %s", name)
	}
	if err != nil {
		return Collection{}, storage.Wrap(err, "get collection %s", name)
	}
	var sch schema.Schema
	if err := json.Unmarshal([]byte(encoded), &sch); err != nil {
		return Collection{}, dberr.Invariant("collection %s has unreadable schema: %v", name, err)
	}
	return Collection{Database: database, Name: name, Schema: sch, CreatedAt: time.Unix(0, created)}, nil
}

func (s *Store) ListCollections(ctx context.Context, q storage.Querier, database string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name FROM collections WHERE database_name = ? ORDER BY name ASC
	`, database)
	if err != nil {
		return nil, storage.Wrap(err, "query collections")
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storage.Wrap(err, "scan collection")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(err, "iterate collections")
	}
	return names, nil
}

// Create inserts the first active revision of a document. An empty docID is
// replaced by a fresh time-ordered id.
func (s *Store) Create(ctx context.Context, q storage.Querier, database, collection, docID string, fields []schema.Field) (Revision, error) {
	if docID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Revision{}, fmt.Errorf("generate document id: %w", err)
		}
		docID = id.String()
	}
	_, err := s.Active(ctx, q, database, collection, docID)
	switch {
	case err == nil:
		return Revision{}, dberr.Conflict("document %s already has an active revision", docID)
	case !errors.Is(err, dberr.ErrNotFound):
		return Revision{}, err
	}
	return s.insert(ctx, q, database, collection, docID, "", fields)
}

// Update replaces the active revision of docID with a new one pointing back at it.
// It returns the superseded and the new revision.
func (s *Store) Update(ctx context.Context, q storage.Querier, database, collection, docID string, fields []schema.Field) (Revision, Revision, error) {
	prev, err := s.deactivate(ctx, q, database, collection, docID)
	if err != nil {
		return Revision{}, Revision{}, err
	}
	next, err := s.insert(ctx, q, database, collection, docID, prev.ObjectID, fields)
	if err != nil {
		return Revision{}, Revision{}, err
	}
	return prev, next, nil
}

// Delete tombstones the active revision of docID without writing a new one.
func (s *Store) Delete(ctx context.Context, q storage.Querier, database, collection, docID string) (Revision, error) {
	return s.deactivate(ctx, q, database, collection, docID)
}

func (s *Store) deactivate(ctx context.Context, q storage.Querier, database, collection, docID string) (Revision, error) {
	prev, err := s.Active(ctx, q, database, collection, docID)
	if err != nil {
		return Revision{}, err
	}
	now := s.now()
	result, err := q.ExecContext(ctx, `
		UPDATE documents SET active = 0, updated_at = ?
		WHERE object_id = ? AND active = 1
	`, now.UnixNano(), prev.ObjectID)
	if err != nil {
		return Revision{}, storage.Wrap(err, "deactivate revision %s", prev.ObjectID)
	}
	modified, err := result.RowsAffected()
	if err != nil {
		return Revision{}, storage.Wrap(err, "deactivate revision %s", prev.ObjectID)
	}
	if modified != 1 {
		return Revision{}, dberr.Conflict("document %s was modified concurrently", docID)
	}
	prev.Active = false
	prev.UpdatedAt = now
	return prev, nil
}

func (s *Store) insert(ctx context.Context, q storage.Querier, database, collection, docID, previous string, fields []schema.Field) (Revision, error) {
	objectID, err := uuid.NewV7()
	if err != nil {
		return Revision{}, fmt.Errorf("generate object id: %w", err)
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return Revision{}, fmt.Errorf("encode fields: %w", err)
	}
	now := s.now()
	rev := Revision{
		DocID:            docID,
		ObjectID:         objectID.String(),
		Collection:       collection,
		Fields:           fields,
		Active:           true,
		PreviousObjectID: previous,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var prevArg any
	if previous != "" {
		prevArg = previous
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO documents (database_name, collection, doc_id, object_id, fields, active, previous_object_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
	`, database, collection, docID, rev.ObjectID, string(encoded), prevArg, now.UnixNano(), now.UnixNano()); err != nil {
		return Revision{}, storage.Wrap(err, "insert revision of %s", docID)
	}
	for _, f := range fields {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO document_fields (object_id, name, value) VALUES (?, ?, ?)
		`, rev.ObjectID, f.Name, f.Value.Text()); err != nil {
			return Revision{}, storage.Wrap(err, "index field %s of %s", f.Name, docID)
		}
	}
	return rev, nil
}

// Active returns the single active revision of docID.
func (s *Store) Active(ctx context.Context, q storage.Querier, database, collection, docID string) (Revision, error) {
	revs, err := s.query(ctx, q, `
		SELECT `+revisionColumns+` FROM documents
		WHERE database_name = ? AND collection = ? AND doc_id = ? AND active = 1
		LIMIT 2
	`, database, collection, docID)
	if err != nil {
		return Revision{}, err
	}
	switch len(revs) {
	case 0:
		return Revision{}, dberr.NotFound("no active revision of document %s", docID)
	case 1:
		return revs[0], nil
	default:
		return Revision{}, dberr.Invariant("document %s has %d active revisions", docID, len(revs))
	}
}

// FindActive returns active revisions of a collection matching every filter
// field, oldest first.
func (s *Store) FindActive(ctx context.Context, q storage.Querier, database, collection string, filter []schema.Field) ([]Revision, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + revisionColumns + ` FROM documents d
		WHERE d.database_name = ? AND d.collection = ? AND d.active = 1`)
	args := []any{database, collection}
	for _, f := range filter {
		sb.WriteString(` AND EXISTS (SELECT 1 FROM document_fields f WHERE f.object_id = d.object_id AND f.name = ? AND f.value = ?)`)
		args = append(args, f.Name, f.Value.Text())
	}
	sb.WriteString(` ORDER BY d.seq ASC`)
	revs, err := s.query(ctx, q, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(revs))
	for _, rev := range revs {
		if _, dup := seen[rev.DocID]; dup {
			return nil, dberr.Invariant("document %s has more than one active revision", rev.DocID)
		}
		seen[rev.DocID] = struct{}{}
	}
	return revs, nil
}

// History returns every revision of docID in write order.
func (s *Store) History(ctx context.Context, q storage.Querier, database, collection, docID string) ([]Revision, error) {
	revs, err := s.query(ctx, q, `
		SELECT `+revisionColumns+` FROM documents
		WHERE database_name = ? AND collection = ? AND doc_id = ?
		ORDER BY seq ASC
	`, database, collection, docID)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, dberr.NotFound("document %s", docID)
	}
	return revs, nil
}

// CountActive returns the number of active revisions of docID.
func (s *Store) CountActive(ctx context.Context, q storage.Querier, database, docID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents WHERE database_name = ? AND doc_id = ? AND active = 1
	`, database, docID).Scan(&n)
	if err != nil {
		return 0, storage.Wrap(err, "count active revisions of %s", docID)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, q storage.Querier, query string, args ...any) ([]Revision, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap(err, "query revisions")
	}
	defer rows.Close()

	revs := make([]Revision, 0)
	for rows.Next() {
		var rev Revision
		var fields string
		var created, updated int64
		if err := rows.Scan(&rev.DocID, &rev.ObjectID, &rev.Collection, &fields, &rev.Active, &rev.PreviousObjectID, &created, &updated); err != nil {
			return nil, storage.Wrap(err, "scan revision")
		}
		if err := json.Unmarshal([]byte(fields), &rev.Fields); err != nil {
			return nil, dberr.Invariant("revision %s has unreadable fields: %v", rev.ObjectID, err)
		}
		rev.CreatedAt = time.Unix(0, created)
		rev.UpdatedAt = time.Unix(0, updated)
		revs = append(revs, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(err, "iterate revisions")
	}
	return revs, nil
}
