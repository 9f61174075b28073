package document

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/schema"
	"zkdocdb/server/internal/storage"
)

var nameSchema = schema.Schema{Fields: []schema.FieldDef{{Name: "name", Kind: schema.KindString}}}

func newTestStore(t *testing.T) (*storage.SQLiteStore, *Store) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateDatabase(context.Background(), storage.Database{Name: "db", MerkleHeight: 4, Owner: "alice"}))
	docs := NewStore()
	_, err = docs.CreateCollection(context.Background(), store.Reader(), "db", "people", nameSchema)
	require.NoError(t, err)
	return store, docs
}

func nameFields(t *testing.T, name string) []schema.Field {
	t.Helper()
	value, err := json.Marshal(name)
	require.NoError(t, err)
	fields, err := nameSchema.Build(map[string]json.RawMessage{"name": value})
	require.NoError(t, err)
	return fields
}

func TestCreateUpdateHistory(t *testing.T) {
	store, docs := newTestStore(t)
	ctx := context.Background()
	q := store.Reader()

	created, err := docs.Create(ctx, q, "db", "people", "", nameFields(t, "a"))
	require.NoError(t, err)
	require.NotEmpty(t, created.DocID)

	prev, next, err := docs.Update(ctx, q, "db", "people", created.DocID, nameFields(t, "b"))
	require.NoError(t, err)
	require.Equal(t, created.ObjectID, prev.ObjectID)
	require.False(t, prev.Active)
	require.Equal(t, created.ObjectID, next.PreviousObjectID)

	found, err := docs.FindActive(ctx, q, "db", "people", nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, schema.StringValue("b"), found[0].Field("name"))

	history, err := docs.History(ctx, q, "db", "people", created.DocID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, schema.StringValue("a"), history[0].Field("name"))
	require.False(t, history[0].Active)
	require.Equal(t, schema.StringValue("b"), history[1].Field("name"))
	require.True(t, history[1].Active)
}

func TestAtMostOneActiveRevision(t *testing.T) {
	store, docs := newTestStore(t)
	ctx := context.Background()
	q := store.Reader()

	rev, err := docs.Create(ctx, q, "db", "people", "doc-1", nameFields(t, "a"))
	require.NoError(t, err)
	for _, name := range []string{"b", "c", "d"} {
		_, _, err := docs.Update(ctx, q, "db", "people", rev.DocID, nameFields(t, name))
		require.NoError(t, err)
		n, err := docs.CountActive(ctx, q, "db", rev.DocID)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	_, err = docs.Create(ctx, q, "db", "people", "doc-1", nameFields(t, "x"))
	require.ErrorIs(t, err, dberr.ErrConflict)

	_, err = docs.Delete(ctx, q, "db", "people", rev.DocID)
	require.NoError(t, err)
	n, err := docs.CountActive(ctx, q, "db", rev.DocID)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = docs.Delete(ctx, q, "db", "people", rev.DocID)
	require.ErrorIs(t, err, dberr.ErrNotFound)
	_, _, err = docs.Update(ctx, q, "db", "people", rev.DocID, nameFields(t, "z"))
	require.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestFindActiveFilters(t *testing.T) {
	store, docs := newTestStore(t)
	ctx := context.Background()
	q := store.Reader()

	for _, name := range []string{"a", "b", "a"} {
		_, err := docs.Create(ctx, q, "db", "people", "", nameFields(t, name))
		require.NoError(t, err)
	}
	found, err := docs.FindActive(ctx, q, "db", "people", nameFields(t, "a"))
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func TestUpdateRollsBackWithTransaction(t *testing.T) {
	store, docs := newTestStore(t)
	ctx := context.Background()

	rev, err := docs.Create(ctx, store.Reader(), "db", "people", "", nameFields(t, "a"))
	require.NoError(t, err)

	err = store.InTx(ctx, func(tx storage.Querier) error {
		if _, _, err := docs.Update(ctx, tx, "db", "people", rev.DocID, nameFields(t, "b")); err != nil {
			return err
		}
		return dberr.External(context.DeadlineExceeded, "enqueue proof")
	})
	require.ErrorIs(t, err, dberr.ErrExternal)

	active, err := docs.Active(ctx, store.Reader(), "db", "people", rev.DocID)
	require.NoError(t, err)
	require.Equal(t, rev.ObjectID, active.ObjectID)
	history, err := docs.History(ctx, store.Reader(), "db", "people", rev.DocID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestLeafAssignmentIsStable(t *testing.T) {
	store, docs := newTestStore(t)
	ctx := context.Background()
	q := store.Reader()

	first, err := docs.AssignLeaf(ctx, q, "db", "doc-1", 8)
	require.NoError(t, err)
	second, err := docs.AssignLeaf(ctx, q, "db", "doc-2", 8)
	require.NoError(t, err)
	again, err := docs.AssignLeaf(ctx, q, "db", "doc-1", 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)
	require.Equal(t, uint64(1), second)
	require.Equal(t, first, again)

	_, err = docs.AssignLeaf(ctx, q, "db", "doc-3", 2)
	require.ErrorIs(t, err, dberr.ErrConflict)
}

func TestUnknownCollection(t *testing.T) {
	store, docs := newTestStore(t)
	_, err := docs.GetCollection(context.Background(), store.Reader(), "db", "nope")
	require.ErrorIs(t, err, dberr.ErrNotFound)

	col, err := docs.GetCollection(context.Background(), store.Reader(), "db", "people")
	require.NoError(t, err)
	require.Equal(t, nameSchema, col.Schema)
}
