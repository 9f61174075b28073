package service

import (
	"context"
	"errors"
	"slices"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/permission"
	"zkdocdb/server/internal/storage"
)

// SetPermission replaces the permission sets of a collection (docID empty) or
// a document. The actor needs system on the target.
func (s *Service) SetPermission(ctx context.Context, actor, database, collection, docID string, perms permission.Permissions) (permission.Metadata, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return permission.Metadata{}, err
	}
	var m permission.Metadata
	err := s.store.InTx(ctx, func(tx storage.Querier) error {
		var err error
		m, err = s.perms.SetPermission(ctx, tx, database, actor, collection, docID, perms)
		return err
	})
	s.logInvariant(database, err)
	return m, err
}

// TransferOwnership moves the owner or group of a collection or document.
func (s *Service) TransferOwnership(ctx context.Context, actor, database, collection, docID string, kind permission.OwnershipKind, to string) (permission.Metadata, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return permission.Metadata{}, err
	}
	var m permission.Metadata
	err := s.store.InTx(ctx, func(tx storage.Querier) error {
		var err error
		m, err = s.perms.TransferOwnership(ctx, tx, database, actor, collection, docID, kind, to)
		return err
	})
	s.logInvariant(database, err)
	return m, err
}

// GetPermission returns the effective metadata of a collection or document.
func (s *Service) GetPermission(ctx context.Context, database, collection, docID string) (permission.Metadata, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return permission.Metadata{}, err
	}
	return s.perms.Store().Resolve(ctx, s.store.Reader(), database, collection, docID)
}

// CreateGroup creates a group; the creator manages its membership.
func (s *Service) CreateGroup(ctx context.Context, actor, database, name, description string, members []string) (permission.Group, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return permission.Group{}, err
	}
	if actor == "" {
		return permission.Group{}, dberr.PermissionDenied("anonymous actors cannot create groups")
	}
	var g permission.Group
	err := s.store.InTx(ctx, func(tx storage.Querier) error {
		var err error
		g, err = s.perms.Store().CreateGroup(ctx, tx, database, permission.Group{Name: name, Description: description, CreatedBy: actor})
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		if err := s.perms.Store().AddMembers(ctx, tx, database, name, members); err != nil {
			return err
		}
		g.Members = slices.Sorted(slices.Values(members))
		return nil
	})
	if err != nil {
		return permission.Group{}, err
	}
	return g, nil
}

func (s *Service) GetGroup(ctx context.Context, database, name string) (permission.Group, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return permission.Group{}, err
	}
	return s.perms.Store().GetGroup(ctx, s.store.Reader(), database, name)
}

func (s *Service) AddGroupMembers(ctx context.Context, actor, database, group string, actors []string) (permission.Group, error) {
	return s.changeMembers(ctx, actor, database, group, func(tx storage.Querier) error {
		return s.perms.Store().AddMembers(ctx, tx, database, group, actors)
	})
}

func (s *Service) RemoveGroupMembers(ctx context.Context, actor, database, group string, actors []string) (permission.Group, error) {
	return s.changeMembers(ctx, actor, database, group, func(tx storage.Querier) error {
		return s.perms.Store().RemoveMembers(ctx, tx, database, group, actors)
	})
}

// changeMembers applies fn when actor created the group.
func (s *Service) changeMembers(ctx context.Context, actor, database, group string, fn func(tx storage.Querier) error) (permission.Group, error) {
	if _, err := s.registry.Open(ctx, database); err != nil {
		return permission.Group{}, err
	}
	var g permission.Group
	err := s.store.InTx(ctx, func(tx storage.Querier) error {
		current, err := s.perms.Store().GetGroup(ctx, tx, database, group)
		if err != nil {
			return err
		}
		if current.CreatedBy != actor {
			return dberr.PermissionDenied("%s does not manage group %s", actor, group)
		}
		if err := fn(tx); err != nil {
			return err
		}
		g, err = s.perms.Store().GetGroup(ctx, tx, database, group)
		return err
	})
	if err != nil {
		return permission.Group{}, err
	}
	return g, nil
}

// JoinGroups adds actor to every group named in groups, in every database
// that has one. Names without a matching group are skipped and existing
// memberships are kept. It runs at login with the identity provider's
// groups, so no permission check applies.
func (s *Service) JoinGroups(ctx context.Context, actor string, groups []string) error {
	if actor == "" {
		return dberr.Validation("actor is required")
	}
	if len(groups) == 0 {
		return nil
	}
	dbs, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	joined := 0
	err = s.store.InTx(ctx, func(tx storage.Querier) error {
		joined = 0
		for _, db := range dbs {
			for _, group := range groups {
				if _, err := s.perms.Store().GetGroup(ctx, tx, db.Name, group); err != nil {
					if errors.Is(err, dberr.ErrNotFound) {
						continue
					}
					return err
				}
				if err := s.perms.Store().AddMembers(ctx, tx, db.Name, group, []string{actor}); err != nil {
					return err
				}
				joined++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithField("actor", actor).WithField("groups", joined).Debug("directory groups joined")
	return nil
}
