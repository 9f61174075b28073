package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"zkdocdb/server/internal/dberr"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGetDatabase(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	if err := store.CreateDatabase(ctx, Database{Name: "db1", MerkleHeight: 8, Owner: "alice", CreatedAt: 1}); err != nil {
		t.Fatalf("create database: %v", err)
	}
	db, err := store.GetDatabase(ctx, "db1")
	if err != nil {
		t.Fatalf("get database: %v", err)
	}
	if db.MerkleHeight != 8 || db.Owner != "alice" {
		t.Fatalf("unexpected database: %+v", db)
	}
	dbs, err := store.ListDatabases(ctx)
	if err != nil {
		t.Fatalf("list databases: %v", err)
	}
	if len(dbs) != 1 {
		t.Fatalf("databases length: got %d", len(dbs))
	}
}

func TestCreateDatabaseDuplicateIsConflict(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	db := Database{Name: "db1", MerkleHeight: 8, Owner: "alice"}
	if err := store.CreateDatabase(ctx, db); err != nil {
		t.Fatalf("create database: %v", err)
	}
	err := store.CreateDatabase(ctx, db)
	if !errors.Is(err, dberr.ErrConflict) {
		t.Fatalf("duplicate create: got %v", err)
	}
}

func TestGetDatabaseMissing(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.GetDatabase(context.Background(), "nope")
	if !errors.Is(err, dberr.ErrNotFound) {
		t.Fatalf("missing database: got %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx Querier) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO databases (name, merkle_height, owner, created_at) VALUES ('db1', 8, 'alice', 0)
		`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("tx error: got %v", err)
	}
	if _, err := store.GetDatabase(ctx, "db1"); !errors.Is(err, dberr.ErrNotFound) {
		t.Fatalf("insert should have rolled back: %v", err)
	}
}

func TestInReadTxKeepsOneSnapshot(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	if err := store.CreateDatabase(ctx, Database{Name: "db1", MerkleHeight: 8, Owner: "alice"}); err != nil {
		t.Fatalf("create database: %v", err)
	}
	count := func(q Querier) int {
		t.Helper()
		var n int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM databases`).Scan(&n); err != nil {
			t.Fatalf("count databases: %v", err)
		}
		return n
	}

	err := store.InReadTx(ctx, func(q Querier) error {
		before := count(q)
		if err := store.CreateDatabase(ctx, Database{Name: "db2", MerkleHeight: 8, Owner: "alice"}); err != nil {
			return err
		}
		if after := count(q); after != before {
			t.Fatalf("snapshot moved: %d -> %d", before, after)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
	if n := count(store.Reader()); n != 2 {
		t.Fatalf("databases after commit: got %d", n)
	}
}
