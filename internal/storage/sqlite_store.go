package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"zkdocdb/server/internal/dberr"
)

const schema = `
CREATE TABLE IF NOT EXISTS databases (
	name TEXT PRIMARY KEY,
	merkle_height INTEGER NOT NULL,
	owner TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS collections (
	database_name TEXT NOT NULL REFERENCES databases(name),
	name TEXT NOT NULL,
	schema TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (database_name, name)
);

CREATE TABLE IF NOT EXISTS documents (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	database_name TEXT NOT NULL,
	collection TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	object_id TEXT NOT NULL UNIQUE,
	fields TEXT NOT NULL,
	active INTEGER NOT NULL,
	previous_object_id TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (database_name, collection) REFERENCES collections(database_name, name)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_one_active
ON documents(database_name, doc_id) WHERE active = 1;

CREATE INDEX IF NOT EXISTS idx_documents_collection
ON documents(database_name, collection, active, seq);

CREATE INDEX IF NOT EXISTS idx_documents_history
ON documents(database_name, doc_id, seq);

CREATE TABLE IF NOT EXISTS document_fields (
	object_id TEXT NOT NULL REFERENCES documents(object_id),
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (object_id, name)
);

CREATE INDEX IF NOT EXISTS idx_document_fields_lookup
ON document_fields(name, value);

CREATE TABLE IF NOT EXISTS merkle_leaves (
	database_name TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	merkle_index INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (database_name, doc_id),
	UNIQUE (database_name, merkle_index)
);

CREATE TABLE IF NOT EXISTS merkle_nodes (
	database_name TEXT NOT NULL,
	level INTEGER NOT NULL,
	idx INTEGER NOT NULL,
	hash BLOB NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (database_name, level, idx, timestamp)
);

CREATE TABLE IF NOT EXISTS permissions (
	database_name TEXT NOT NULL,
	collection TEXT NOT NULL,
	doc_id TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL,
	group_name TEXT NOT NULL DEFAULT '',
	perm_owner INTEGER NOT NULL,
	perm_group INTEGER NOT NULL,
	perm_other INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (database_name, collection, doc_id)
);

CREATE TABLE IF NOT EXISTS groups (
	database_name TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (database_name, name)
);

CREATE TABLE IF NOT EXISTS group_members (
	database_name TEXT NOT NULL,
	group_name TEXT NOT NULL,
	actor TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (database_name, group_name, actor),
	FOREIGN KEY (database_name, group_name) REFERENCES groups(database_name, name)
);

CREATE INDEX IF NOT EXISTS idx_group_members_actor
ON group_members(database_name, actor);

CREATE TABLE IF NOT EXISTS queue_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue TEXT NOT NULL,
	database_name TEXT NOT NULL,
	sequence_number INTEGER,
	status TEXT NOT NULL,
	data TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	acquired_at INTEGER,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_tasks_lease
ON queue_tasks(queue, status, sequence_number, id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_tasks_sequence
ON queue_tasks(queue, database_name, sequence_number) WHERE sequence_number IS NOT NULL;

CREATE TABLE IF NOT EXISTS transition_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	database_name TEXT NOT NULL,
	operation_number INTEGER NOT NULL,
	operation TEXT NOT NULL,
	merkle_index INTEGER NOT NULL,
	merkle_root_old BLOB NOT NULL,
	merkle_root_new BLOB NOT NULL,
	merkle_proof TEXT NOT NULL,
	leaf_old BLOB NOT NULL,
	leaf_new BLOB NOT NULL,
	doc_ref_previous TEXT NOT NULL DEFAULT '',
	doc_ref_current TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE (database_name, operation_number)
);

CREATE TABLE IF NOT EXISTS rollup_offchain (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	database_name TEXT NOT NULL,
	step INTEGER NOT NULL,
	proof BLOB NOT NULL,
	merkle_root_old BLOB NOT NULL,
	merkle_root_new BLOB NOT NULL,
	transition_log_id INTEGER NOT NULL REFERENCES transition_logs(id),
	created_at INTEGER NOT NULL,
	UNIQUE (database_name, step)
);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	database_name TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	unsigned_payload BLOB NOT NULL,
	signed_payload BLOB,
	tx_hash TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_status
ON transactions(status, id);

CREATE TABLE IF NOT EXISTS rollup_onchain (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	database_name TEXT NOT NULL,
	transaction_id INTEGER NOT NULL REFERENCES transactions(id),
	offchain_id INTEGER NOT NULL REFERENCES rollup_offchain(id),
	step INTEGER NOT NULL,
	merkle_root_old BLOB NOT NULL,
	merkle_root_new BLOB NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rollup_onchain_live
ON rollup_onchain(offchain_id) WHERE status != 'Failed';
`

const maxTxAttempts = 5

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database file at path. Write transactions take the
// reserved lock at BEGIN so concurrent writers queue instead of deadlocking
// on lock upgrade.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Reader() Querier {
	return s.db
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Querier) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

// InReadTx opens a deferred transaction so WAL pins one snapshot for fn. It
// never takes the write lock and always rolls back.
func (s *SQLiteStore) InReadTx(ctx context.Context, fn func(q Querier) error) error {
	transaction, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Wrap(err, "begin read tx")
	}
	defer func() { _ = transaction.Rollback() }()
	return fn(transaction)
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx Querier) error) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Wrap(err, "begin tx")
	}
	if err := fn(transaction); err != nil {
		_ = transaction.Rollback()
		return err
	}
	if err := transaction.Commit(); err != nil {
		_ = transaction.Rollback()
		return Wrap(err, "commit tx")
	}
	return nil
}

func (s *SQLiteStore) CreateDatabase(ctx context.Context, db Database) error {
	if db.Name == "" || db.Owner == "" {
		return dberr.Validation("database name and owner are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO databases (name, merkle_height, owner, created_at)
		VALUES (?, ?, ?, ?)
	`, db.Name, db.MerkleHeight, db.Owner, db.CreatedAt)
	if err != nil {
		return Wrap(err, "create database %s", db.Name)
	}
	return nil
}

func (s *SQLiteStore) GetDatabase(ctx context.Context, name string) (Database, error) {
	var db Database
	err := s.db.QueryRowContext(ctx, `
		SELECT name, merkle_height, owner, created_at FROM databases WHERE name = ?
	`, name).Scan(&db.Name, &db.MerkleHeight, &db.Owner, &db.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Database{}, dberr.NotFound("database %s", name)
	}
	if err != nil {
		return Database{}, Wrap(err, "get database %s", name)
	}
	return db, nil
}

func (s *SQLiteStore) ListDatabases(ctx context.Context) ([]Database, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, merkle_height, owner, created_at FROM databases ORDER BY name ASC
	`)
	if err != nil {
		return nil, Wrap(err, "query databases")
	}
	defer rows.Close()

	dbs := make([]Database, 0)
	for rows.Next() {
		var db Database
		if err := rows.Scan(&db.Name, &db.MerkleHeight, &db.Owner, &db.CreatedAt); err != nil {
			return nil, Wrap(err, "scan database")
		}
		dbs = append(dbs, db)
	}
	if err := rows.Err(); err != nil {
		return nil, Wrap(err, "iterate databases")
	}
	return dbs, nil
}

// Wrap classifies a backend error: lock contention and constraint violations
// become conflicts, anything else unclassified is an external dependency error.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if dberr.Class(err) != nil {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %s: %w", dberr.ErrConflict, fmt.Sprintf(format, args...), err)
		}
	}
	return dberr.External(err, format, args...)
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
