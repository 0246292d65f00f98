// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package governor

import (
	"sync"
	"time"

	"github.com/sqreen/go-cband/internal/quota"
)

// Counters gives exclusive access to the shared state of an entity for the
// duration of a read-modify-write. Implementations can be in-process or
// backed by an inter-process mechanism.
type Counters interface {
	Do(fn func(s *State, r *quota.Record))
}

// ClassQuota is the byte limit of a destination class, in kilo-units.
type ClassQuota struct {
	Limit uint64
	Mult  uint32
}

// Config is the configuration of a virtual host or of a user.
type Config struct {
	Name string
	// Key of the usage record in the store. Records are not persisted when
	// empty.
	ScoreboardKey string
	// Byte limit in kilo-units.
	Limit uint64
	Mult  uint32
	// Refresh period and slice length in seconds.
	Period   uint64
	SliceLen uint64
	// Redirection URL once the limit is exceeded.
	ExceededURL string

	Speed       Speed
	RemoteSpeed Speed
	OverSpeed   Speed

	ClassLimits       [quota.MaxClasses]ClassQuota
	ClassRemoteSpeeds [quota.MaxClasses]Speed
}

// Entity is a virtual host or a user: its configuration and its counters
// protected by a mutex.
type Entity struct {
	config Config

	mu     sync.Mutex
	state  State
	record quota.Record
}

// NewEntity returns the entity of the given configuration at normal speed.
func NewEntity(cfg Config) *Entity {
	return &Entity{
		config: cfg,
		state:  NewState(cfg.Speed, cfg.OverSpeed, cfg.RemoteSpeed),
	}
}

// Config returns the read-only configuration of the entity.
func (e *Entity) Config() *Config { return &e.config }

func (e *Entity) Name() string { return e.config.Name }

// Do calls fn with the entity lock held.
func (e *Entity) Do(fn func(s *State, r *quota.Record)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state, &e.record)
}

// Snapshot returns a copy of the state and of the record.
func (e *Entity) Snapshot() (s State, r quota.Record) {
	e.Do(func(state *State, record *quota.Record) {
		s, r = *state, *record
	})
	return s, r
}

// ClassRemoteSpeed returns the remote speed override of the class.
func (e *Entity) ClassRemoteSpeed(class int) Speed {
	if class < 0 || class >= quota.MaxClasses {
		return Speed{}
	}
	return e.config.ClassRemoteSpeeds[class]
}

// Refresh starts a new usage window when the current one has expired, in
// which case the entity also goes back to its normal speed.
func (e *Entity) Refresh(now time.Time) (expired bool) {
	e.Do(func(s *State, r *quota.Record) {
		if expired = r.Refresh(now, e.config.Period); expired {
			s.SetNormal()
		}
	})
	return expired
}

// Reset clears the usage record, starts a new window and goes back to the
// normal speed.
func (e *Entity) Reset(now time.Time) {
	e.Do(func(s *State, r *quota.Record) {
		r.Reset(now)
		s.SetNormal()
	})
}

// Limits returns the limits of the entity for the class at `now`.
func (e *Entity) Limits(class int, now time.Time) quota.Limits {
	var start uint64
	e.Do(func(_ *State, r *quota.Record) {
		start = r.StartTime
	})
	return e.limitsFrom(start, class, now)
}

func (e *Entity) limitsFrom(start uint64, class int, now time.Time) quota.Limits {
	cfg := &e.config
	l := quota.Limits{
		Total: quota.Quota{
			Limit:      cfg.Limit,
			Mult:       cfg.Mult,
			SliceLimit: quota.SliceLimit(start, cfg.Period, cfg.SliceLen, cfg.Limit, now),
		},
	}
	if class >= 0 && class < quota.MaxClasses {
		c := cfg.ClassLimits[class]
		l.Class = quota.Quota{
			Limit:      c.Limit,
			Mult:       c.Mult,
			SliceLimit: quota.SliceLimit(start, cfg.Period, cfg.SliceLen, c.Limit, now),
		}
	}
	return l
}

// SetOverlimit switches the entity to its over-limit speed.
func (e *Entity) SetOverlimit() {
	e.Do(func(s *State, _ *quota.Record) {
		s.SetOverlimit()
	})
}

// Restore replaces the usage record, typically with the one loaded from the
// store at startup.
func (e *Entity) Restore(r quota.Record) {
	e.Do(func(_ *State, record *quota.Record) {
		*record = r
	})
}

// Limiter is an entity whose counters are governed.
type Limiter interface {
	Counters
	ClassRemoteSpeed(class int) Speed
}

var _ Limiter = (*Entity)(nil)

// RemoteLimits returns the effective speed limits of a remote client of the
// virtual host and of its user, which can be nil, for the class.
func RemoteLimits(vhost, user Limiter, class int) Speed {
	var vs, us State
	vhost.Do(func(s *State, _ *quota.Record) {
		vs.Remote = s.Remote
	})
	if user == nil {
		return EffectiveLimits(&vs, nil, vhost.ClassRemoteSpeed(class), Speed{})
	}
	user.Do(func(s *State, _ *quota.Record) {
		us.Remote = s.Remote
	})
	return EffectiveLimits(&vs, &us, vhost.ClassRemoteSpeed(class), user.ClassRemoteSpeed(class))
}
