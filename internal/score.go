// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package internal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sqreen/go-cband/internal/governor"
	"github.com/sqreen/go-cband/internal/quota"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/sqreen/go-cband/internal/sqlib/sqsafe"
	"github.com/sqreen/go-cband/internal/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	// Maximum number of concurrent store operations when loading or saving
	// every usage record.
	scoreConcurrency = 8
	// Timeout of the usage record saves of streams.
	saveTimeout = time.Second
)

// ResetAll is the name resetting every virtual host or every user.
const ResetAll = "all"

// Load restores the usage records of the entities having a scoreboard key
// from the store. Missing records are ignored.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.eachScoreboard(ctx, func(ctx context.Context, key string, entity *governor.Entity) error {
		r, err := store.LoadRecord(ctx, e.store, key)
		if err != nil {
			if xerrors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		entity.Restore(r)
		return nil
	})
}

// Flush saves the usage records of the entities having a scoreboard key and
// used since the startup.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.eachScoreboard(ctx, func(ctx context.Context, key string, entity *governor.Entity) error {
		_, r := entity.Snapshot()
		if r.WasRequest == 0 {
			return nil
		}
		return store.SaveRecord(ctx, e.store, key, r)
	})
}

// Close flushes the usage records and closes the store. The engine can no
// longer persist records once closed but keeps governing requests.
func (e *Engine) Close(ctx context.Context) (err error) {
	e.closeOnce.Do(func() {
		var errs sqerrors.ErrorCollection
		errs.Add(e.Flush(ctx))
		e.cancel()
		if e.store != nil {
			errs.Add(e.store.Close())
		}
		err = errs.ToError()
	})
	return err
}

// eachScoreboard concurrently calls fn for every entity having a scoreboard
// key. Errors and panics are logged and returned together once every call
// is done.
func (e *Engine) eachScoreboard(ctx context.Context, fn func(ctx context.Context, key string, entity *governor.Entity) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs sqerrors.ErrorCollection
	)
	g.SetLimit(scoreConcurrency)
	for _, entity := range e.getRegistry().entities() {
		entity := entity
		key := entity.Config().ScoreboardKey
		if key == "" {
			continue
		}
		g.Go(func() error {
			err := sqsafe.Call(func() error {
				return fn(ctx, key, entity)
			})
			if err == nil {
				return nil
			}
			e.storeLogger.Error(err)
			mu.Lock()
			defer mu.Unlock()
			errs.Add(err)
			return nil
		})
	}
	_ = g.Wait()
	return errs.ToError()
}

// saveLimiter saves the record of a stream entity when its flush countdown
// expires.
func (e *Engine) saveLimiter(l governor.Limiter, r quota.Record) {
	entity, ok := l.(*governor.Entity)
	if !ok {
		return
	}
	key := entity.Config().ScoreboardKey
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, saveTimeout)
	defer cancel()
	if err := store.SaveRecord(ctx, e.store, key, r); err != nil {
		e.storeLogger.Error(err)
	}
}

// ResetVHost clears the usage record of the virtual host and switches it
// back to its normal speed, or every virtual host when `name` is ResetAll.
func (e *Engine) ResetVHost(name string) error {
	reg := e.getRegistry()
	if strings.EqualFold(name, ResetAll) {
		reg.walkVHosts(func(v *vhostEntry) {
			e.reset(v.entity)
		})
		return nil
	}
	v := reg.vhost(name)
	if v == nil {
		return sqerrors.Errorf("unknown virtual host `%s`", name)
	}
	e.reset(v.entity)
	return nil
}

// ResetUser clears the usage record of the user and switches it back to its
// normal speed, or every user when `name` is ResetAll.
func (e *Engine) ResetUser(name string) error {
	reg := e.getRegistry()
	if strings.EqualFold(name, ResetAll) {
		reg.walkUsers(e.reset)
		return nil
	}
	u := reg.user(name)
	if u == nil {
		return sqerrors.Errorf("unknown user `%s`", name)
	}
	e.reset(u)
	return nil
}

// reset starts a new window. The cleared record is marked as used so that
// it overwrites the stored one on the next flush.
func (e *Engine) reset(entity *governor.Entity) {
	entity.Reset(e.clock.Now())
	entity.Do(func(_ *governor.State, r *quota.Record) {
		r.WasRequest = 1
	})
	e.logger.Infof("engine: `%s` usage reset", entity.Name())
}

// EntityInfo is a snapshot of a virtual host or of a user.
type EntityInfo struct {
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	User       string `json:"user,omitempty"`
	Scoreboard string `json:"scoreboard,omitempty"`

	TotalBytes uint64            `json:"total_bytes"`
	ClassBytes map[string]uint64 `json:"class_bytes,omitempty"`
	StartTime  time.Time         `json:"start_time"`

	Overlimit         bool    `json:"overlimit"`
	Connections       uint64  `json:"connections"`
	SharedConnections uint64  `json:"shared_connections"`
	Kbps              float64 `json:"kbps"`
	RPS               float64 `json:"rps"`
}

// Entity kinds of EntityInfo.
const (
	KindVHost = "vhost"
	KindUser  = "user"
)

// Entities returns a snapshot of every virtual host followed by every user.
func (e *Engine) Entities() []EntityInfo {
	var infos []EntityInfo
	reg := e.getRegistry()
	reg.walkVHosts(func(v *vhostEntry) {
		info := e.entityInfo(KindVHost, v.entity)
		if v.user != nil {
			info.User = v.user.Name()
		}
		infos = append(infos, info)
	})
	reg.walkUsers(func(u *governor.Entity) {
		infos = append(infos, e.entityInfo(KindUser, u))
	})
	return infos
}

func (e *Engine) entityInfo(kind string, entity *governor.Entity) EntityInfo {
	s, r := entity.Snapshot()
	bps, rps := s.Speed()
	info := EntityInfo{
		Kind:              kind,
		Name:              entity.Name(),
		Scoreboard:        entity.Config().ScoreboardKey,
		TotalBytes:        r.TotalBytes,
		Overlimit:         s.Overlimit,
		Connections:       s.TotalConn,
		SharedConnections: s.SharedConnections,
		Kbps:              bps / 1024,
		RPS:               rps,
	}
	if r.StartTime != 0 {
		info.StartTime = time.Unix(int64(r.StartTime), 0).UTC()
	}
	c := e.classes.Classifier()
	for i := 0; i < c.Len() && i < quota.MaxClasses; i++ {
		if r.ClassBytes[i] == 0 {
			continue
		}
		if info.ClassBytes == nil {
			info.ClassBytes = make(map[string]uint64)
		}
		info.ClassBytes[c.Name(i)] = r.ClassBytes[i]
	}
	return info
}
