// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package internal

import (
	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sqreen/go-cband/internal/config"
	"github.com/sqreen/go-cband/internal/governor"
	"github.com/sqreen/go-cband/internal/plog"
	"github.com/sqreen/go-cband/internal/sqlib/squnsafe"
)

// registry of the virtual hosts and users by name. It is immutable once
// built: a reload builds a new registry and swaps it.
type registry struct {
	vhosts *iradix.Tree
	users  *iradix.Tree
}

type vhostEntry struct {
	entity *governor.Entity
	user   *governor.Entity
}

// userLimiter returns the user as a limiter, or an untyped nil when the
// virtual host has none.
func (v *vhostEntry) userLimiter() governor.Limiter {
	if v.user == nil {
		return nil
	}
	return v.user
}

func (v *vhostEntry) name() string { return v.entity.Name() }

// newRegistry returns the registry of the definitions. The usage records of
// the entities of the previous registry, when not nil, are carried over to
// the entities of the same name.
func newRegistry(logger plog.ErrorLogger, defs *config.Definitions, previous *registry) *registry {
	users := iradix.New().Txn()
	vhosts := iradix.New().Txn()
	if defs == nil {
		return &registry{vhosts: vhosts.Commit(), users: users.Commit()}
	}

	for _, cfg := range defs.Users {
		cfg.Name = config.UserName(cfg.Name)
		e := governor.NewEntity(cfg)
		if previous != nil {
			if old := previous.user(cfg.Name); old != nil {
				_, r := old.Snapshot()
				e.Restore(r)
			}
		}
		users.Insert(squnsafe.StringToBytes(cfg.Name), e)
	}
	usersTree := users.Commit()

	for _, def := range defs.VHosts {
		def.Name = config.HostName(def.Name)
		entry := &vhostEntry{entity: governor.NewEntity(def.Config)}
		if previous != nil {
			if old := previous.vhost(def.Name); old != nil {
				_, r := old.entity.Snapshot()
				entry.entity.Restore(r)
			}
		}
		if def.User != "" {
			if v, exists := usersTree.Get(squnsafe.StringToBytes(config.UserName(def.User))); exists {
				entry.user = v.(*governor.Entity)
			} else {
				logger.Error(configError("virtual host `%s`: undefined user `%s` ignored", def.Name, def.User))
			}
		}
		vhosts.Insert(squnsafe.StringToBytes(def.Name), entry)
	}

	return &registry{vhosts: vhosts.Commit(), users: usersTree}
}

// vhost returns the virtual host of the request host name, which can
// include a port number.
func (r *registry) vhost(host string) *vhostEntry {
	v, exists := r.vhosts.Get(squnsafe.StringToBytes(config.HostName(host)))
	if !exists {
		return nil
	}
	return v.(*vhostEntry)
}

func (r *registry) user(name string) *governor.Entity {
	v, exists := r.users.Get(squnsafe.StringToBytes(config.UserName(name)))
	if !exists {
		return nil
	}
	return v.(*governor.Entity)
}

// walkVHosts calls fn for every virtual host in name order.
func (r *registry) walkVHosts(fn func(v *vhostEntry)) {
	r.vhosts.Root().Walk(func(_ []byte, v interface{}) bool {
		fn(v.(*vhostEntry))
		return false
	})
}

// walkUsers calls fn for every user in name order.
func (r *registry) walkUsers(fn func(e *governor.Entity)) {
	r.users.Root().Walk(func(_ []byte, v interface{}) bool {
		fn(v.(*governor.Entity))
		return false
	})
}

// entities returns the virtual hosts followed by the users.
func (r *registry) entities() []*governor.Entity {
	entities := make([]*governor.Entity, 0, r.vhosts.Len()+r.users.Len())
	r.walkVHosts(func(v *vhostEntry) {
		entities = append(entities, v.entity)
	})
	r.walkUsers(func(e *governor.Entity) {
		entities = append(entities, e)
	})
	return entities
}
