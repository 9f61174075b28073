// Package registry resolves database names to their catalog entry, Merkle
// tree and write lock. There is no process-wide default database; every
// caller names the database it works on.
package registry

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/merkle"
	"zkdocdb/server/internal/storage"
)

// DefaultMerkleHeight gives 2^31 document slots per database.
const DefaultMerkleHeight = 32

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Database is an opened database.
type Database struct {
	Info storage.Database
	Tree *merkle.Tree
	// write serializes tree writes of this database within the process.
	write sync.Mutex
}

func (d *Database) Name() string { return d.Info.Name }

// WithWriteLock runs fn while holding the database's tree write lock.
func (d *Database) WithWriteLock(fn func() error) error {
	d.write.Lock()
	defer d.write.Unlock()
	return fn()
}

type Registry struct {
	store         storage.Store
	now           func() time.Time
	defaultHeight int

	mu  sync.Mutex
	dbs map[string]*Database
}

func New(store storage.Store) *Registry {
	return &Registry{store: store, now: time.Now, defaultHeight: DefaultMerkleHeight, dbs: make(map[string]*Database)}
}

func (r *Registry) Store() storage.Store { return r.store }

// SetDefaultHeight changes the height used when Create is given 0.
func (r *Registry) SetDefaultHeight(height int) { r.defaultHeight = height }

// Create registers a new database owned by owner. height 0 selects the
// registry's default height.
func (r *Registry) Create(ctx context.Context, name, owner string, height int) (*Database, error) {
	if !validName.MatchString(name) {
		return nil, dberr.Validation("invalid database name %q", name)
	}
	if owner == "" {
		return nil, dberr.Validation("database owner is required")
	}
	if height == 0 {
		height = r.defaultHeight
	}
	tree, err := merkle.New(name, height)
	if err != nil {
		return nil, err
	}
	info := storage.Database{Name: name, MerkleHeight: height, Owner: owner, CreatedAt: r.now().UnixNano()}
	if err := r.store.CreateDatabase(ctx, info); err != nil {
		if errors.Is(err, dberr.ErrConflict) {
			return nil, dberr.Conflict("database %s already exists", name)
		}
		return nil, err
	}
	db := &Database{Info: info, Tree: tree}
	r.mu.Lock()
	r.dbs[name] = db
	r.mu.Unlock()
	return db, nil
}

// Open returns the database called name, loading it from the catalog once.
func (r *Registry) Open(ctx context.Context, name string) (*Database, error) {
	r.mu.Lock()
	db, ok := r.dbs[name]
	r.mu.Unlock()
	if ok {
		return db, nil
	}
	info, err := r.store.GetDatabase(ctx, name)
	if err != nil {
		return nil, err
	}
	tree, err := merkle.New(name, info.MerkleHeight)
	if err != nil {
		return nil, dberr.Invariant("catalog entry %s: %v", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.dbs[name]; ok {
		return db, nil
	}
	db = &Database{Info: info, Tree: tree}
	r.dbs[name] = db
	return db, nil
}

func (r *Registry) List(ctx context.Context) ([]storage.Database, error) {
	return r.store.ListDatabases(ctx)
}
