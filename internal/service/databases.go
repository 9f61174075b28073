package service

import (
	"context"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/document"
	"zkdocdb/server/internal/permission"
	"zkdocdb/server/internal/schema"
	"zkdocdb/server/internal/storage"
)

// CreateDatabase registers a database owned by actor. height 0 selects the
// default tree height.
func (s *Service) CreateDatabase(ctx context.Context, actor, name string, height int) (storage.Database, error) {
	if actor == "" {
		return storage.Database{}, dberr.PermissionDenied("anonymous actors cannot create databases")
	}
	db, err := s.registry.Create(ctx, name, actor, height)
	if err != nil {
		return storage.Database{}, err
	}
	s.log.WithField("database", name).WithField("owner", actor).Info("database created")
	return db.Info, nil
}

func (s *Service) ListDatabases(ctx context.Context) ([]storage.Database, error) {
	return s.registry.List(ctx)
}

// CollectionInput describes a new collection. Permissions and Group become
// the collection default every new document inherits.
type CollectionInput struct {
	Name        string                  `json:"name"`
	Schema      schema.Schema           `json:"schema"`
	Group       string                  `json:"group,omitempty"`
	Permissions *permission.Permissions `json:"permissions,omitempty"`
}

// CreateCollection is reserved to the database owner, who also owns the
// collection's permission record.
func (s *Service) CreateCollection(ctx context.Context, actor, database string, in CollectionInput) (document.Collection, error) {
	db, err := s.registry.Open(ctx, database)
	if err != nil {
		return document.Collection{}, err
	}
	if err := requireDatabaseOwner(db, actor); err != nil {
		return document.Collection{}, err
	}
	perms := permission.DefaultPermissions()
	if in.Permissions != nil {
		perms = *in.Permissions
	}
	var coll document.Collection
	err = s.store.InTx(ctx, func(tx storage.Querier) error {
		if in.Group != "" {
			if _, err := s.perms.Store().GetGroup(ctx, tx, database, in.Group); err != nil {
				return err
			}
		}
		var err error
		coll, err = s.docs.CreateCollection(ctx, tx, database, in.Name, in.Schema)
		if err != nil {
			return err
		}
		return s.perms.Store().Put(ctx, tx, database, permission.Metadata{
			Collection:  in.Name,
			Owner:       actor,
			Group:       in.Group,
			Permissions: perms,
		})
	})
	if err != nil {
		return document.Collection{}, err
	}
	return coll, nil
}

func (s *Service) GetCollection(ctx context.Context, database, name string) (document.Collection, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return document.Collection{}, err
	}
	return s.docs.GetCollection(ctx, s.store.Reader(), database, name)
}

func (s *Service) ListCollections(ctx context.Context, database string) ([]string, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return nil, err
	}
	return s.docs.ListCollections(ctx, s.store.Reader(), database)
}
