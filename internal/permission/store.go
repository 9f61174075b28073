package permission

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/storage"
)

// Store persists permission metadata and the actor/group membership relation.
type Store struct {
	now func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// Put inserts or replaces the metadata record identified by (collection, docID).
func (s *Store) Put(ctx context.Context, q storage.Querier, database string, m Metadata) error {
	if m.Owner == "" {
		return dberr.Validation("metadata owner is required")
	}
	if !m.Permissions.Owner.Valid() || !m.Permissions.Group.Valid() || !m.Other.Valid() {
		return dberr.Validation("permission set out of range")
	}
	now := s.now().UnixNano()
	_, err := q.ExecContext(ctx, `
		INSERT INTO permissions (database_name, collection, doc_id, owner, group_name, perm_owner, perm_group, perm_other, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(database_name, collection, doc_id) DO UPDATE SET
			owner = excluded.owner,
			group_name = excluded.group_name,
			perm_owner = excluded.perm_owner,
			perm_group = excluded.perm_group,
			perm_other = excluded.perm_other,
			updated_at = excluded.updated_at
	`, database, m.Collection, m.DocID, m.Owner, m.Group, uint8(m.Permissions.Owner), uint8(m.Permissions.Group), uint8(m.Other), now, now)
	if err != nil {
		return storage.Wrap(err, "put metadata %s/%s", m.Collection, m.DocID)
	}
	return nil
}

// Get loads the metadata record for a collection (docID empty) or a document.
func (s *Store) Get(ctx context.Context, q storage.Querier, database, collection, docID string) (Metadata, error) {
	m := Metadata{Collection: collection, DocID: docID}
	var owner, group, other uint8
	err := q.QueryRowContext(ctx, `
		SELECT owner, group_name, perm_owner, perm_group, perm_other FROM permissions
		WHERE database_name = ? AND collection = ? AND doc_id = ?
	`, database, collection, docID).Scan(&m.Owner, &m.Group, &owner, &group, &other)
	if errors.Is(err, sql.ErrNoRows) {
		if docID == "" {
			return Metadata{}, dberr.NotFound("metadata of collection %s", collection)
		}
		return Metadata{}, dberr.NotFound("metadata of document %s", docID)
	}
	if err != nil {
		return Metadata{}, storage.Wrap(err, "get metadata %s/%s", collection, docID)
	}
	m.Permissions = Permissions{Owner: Set(owner), Group: Set(group), Other: Set(other)}
	return m, nil
}

// Resolve returns the document's metadata when it has its own record and the
// collection default otherwise.
func (s *Store) Resolve(ctx context.Context, q storage.Querier, database, collection, docID string) (Metadata, error) {
	if docID != "" {
		m, err := s.Get(ctx, q, database, collection, docID)
		if err == nil || !errors.Is(err, dberr.ErrNotFound) {
			return m, err
		}
	}
	return s.Get(ctx, q, database, collection, "")
}

// Group is a named set of actors within a database.
type Group struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	Members     []string  `json:"members,omitempty"`
}

func (s *Store) CreateGroup(ctx context.Context, q storage.Querier, database string, g Group) (Group, error) {
	if g.Name == "" || g.CreatedBy == "" {
		return Group{}, dberr.Validation("group name and creator are required")
	}
	g.CreatedAt = s.now()
	if _, err := q.ExecContext(ctx, `
		INSERT INTO groups (database_name, name, description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, database, g.Name, g.Description, g.CreatedBy, g.CreatedAt.UnixNano()); err != nil {
		return Group{}, storage.Wrap(err, "create group %s", g.Name)
	}
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, q storage.Querier, database, name string) (Group, error) {
	g := Group{Name: name}
	var created int64
	err := q.QueryRowContext(ctx, `
		SELECT description, created_by, created_at FROM groups WHERE database_name = ? AND name = ?
	`, database, name).Scan(&g.Description, &g.CreatedBy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, dberr.NotFound("group %s", name)
	}
	if err != nil {
		return Group{}, storage.Wrap(err, "get group %s", name)
	}
	g.CreatedAt = time.Unix(0, created)
	members, err := s.strings(ctx, q, `
		SELECT actor FROM group_members WHERE database_name = ? AND group_name = ? ORDER BY actor ASC
	`, database, name)
	if err != nil {
		return Group{}, err
	}
	g.Members = members
	return g, nil
}

// AddMembers adds actors to group; existing memberships are kept.
func (s *Store) AddMembers(ctx context.Context, q storage.Querier, database, group string, actors []string) error {
	now := s.now().UnixNano()
	for _, actor := range actors {
		if actor == "" {
			return dberr.Validation("member name is required")
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO group_members (database_name, group_name, actor, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(database_name, group_name, actor) DO NOTHING
		`, database, group, actor, now); err != nil {
			return storage.Wrap(err, "add %s to group %s", actor, group)
		}
	}
	return nil
}

func (s *Store) RemoveMembers(ctx context.Context, q storage.Querier, database, group string, actors []string) error {
	for _, actor := range actors {
		if _, err := q.ExecContext(ctx, `
			DELETE FROM group_members WHERE database_name = ? AND group_name = ? AND actor = ?
		`, database, group, actor); err != nil {
			return storage.Wrap(err, "remove %s from group %s", actor, group)
		}
	}
	return nil
}

func (s *Store) IsMember(ctx context.Context, q storage.Querier, database, group, actor string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM group_members WHERE database_name = ? AND group_name = ? AND actor = ?
	`, database, group, actor).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storage.Wrap(err, "membership of %s in %s", actor, group)
	}
	return true, nil
}

// ActorGroups lists the groups actor belongs to.
func (s *Store) ActorGroups(ctx context.Context, q storage.Querier, database, actor string) ([]string, error) {
	return s.strings(ctx, q, `
		SELECT group_name FROM group_members WHERE database_name = ? AND actor = ? ORDER BY group_name ASC
	`, database, actor)
}

func (s *Store) strings(ctx context.Context, q storage.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap(err, "query names")
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, storage.Wrap(err, "scan name")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(err, "iterate names")
	}
	return out, nil
}
