// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package admission rejects requests before their response is streamed when
// the connection ceilings of their virtual host, user or remote client are
// reached, and delays them while their request rates are too high.
package admission

import (
	"context"
	"net"
	"time"

	"github.com/sqreen/go-cband/internal/governor"
	"github.com/sqreen/go-cband/internal/plog"
	"github.com/sqreen/go-cband/internal/quota"
	"github.com/sqreen/go-cband/internal/remote"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/sqreen/go-cband/internal/sqlib/sqtime"
)

const (
	DefaultMaxLoops = 100
	DefaultSleep    = 100 * time.Millisecond
	DefaultJitter   = 100 * time.Millisecond
)

// Config bounds the request rate retry loop.
type Config struct {
	// Maximum number of retries.
	MaxLoops int
	// Sleep between retries, plus a random duration up to Jitter.
	Sleep  time.Duration
	Jitter time.Duration
}

// DefaultConfig returns the default retry loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxLoops: DefaultMaxLoops,
		Sleep:    DefaultSleep,
		Jitter:   DefaultJitter,
	}
}

// Request is the admission request of a client.
type Request struct {
	VHost governor.Limiter
	// User of the virtual host. Must be an untyped nil when the virtual host
	// has no user.
	User      governor.Limiter
	VHostName string
	Addr      net.IP
	// Destination class of the client, or a negative value when unclassified.
	Class int
}

// Controller performs the admission checks.
type Controller struct {
	cfg     Config
	remotes *remote.Table
	clock   sqtime.Clock
	rand    sqtime.Rand
	logger  plog.DebugLogger
}

// New returns an admission controller using the remote client table. A nil
// clock is the system clock, a nil random source is seeded with the current
// time and a nil logger is disabled.
func New(cfg Config, remotes *remote.Table, clock sqtime.Clock, rand sqtime.Rand, logger plog.DebugLogger) *Controller {
	if cfg.MaxLoops < 0 {
		cfg.MaxLoops = 0
	}
	if clock == nil {
		clock = sqtime.SystemClock{}
	}
	if rand == nil {
		rand = sqtime.NewRand()
	}
	if logger == nil {
		logger = plog.NewLogger(plog.Disabled, nil, nil)
	}
	return &Controller{
		cfg:     cfg,
		remotes: remotes,
		clock:   clock,
		rand:    rand,
		logger:  logger,
	}
}

// Check returns nil when the request is admitted. Otherwise the error is of
// kind sqerrors.CapacityExceeded, or the context error when the context was
// done while waiting.
func (c *Controller) Check(ctx context.Context, req Request) error {
	now := c.clock.Now()
	idx, hasRemote := c.remotes.FindOrCreate(req.Addr, req.VHostName, true, now)
	limits := governor.RemoteLimits(req.VHost, req.User, req.Class)
	if hasRemote {
		c.remotes.SetMaxConn(idx, limits.MaxConn)
	} else {
		c.logger.Debugf("admission: no remote client slot left for %s", req.Addr)
	}

	var tracker governor.RemoteTracker
	if hasRemote {
		tracker = c.remotes.Slot(idx)
	}

	for loop := 0; ; loop++ {
		now = c.clock.Now()

		overlimit, err := c.checkEntity(req.VHost, "virtual host", now, tracker)
		if err != nil {
			return err
		}
		if req.User != nil {
			userOverlimit, err := c.checkEntity(req.User, "user", now, tracker)
			if err != nil {
				return err
			}
			overlimit = overlimit || userOverlimit
		}

		if hasRemote {
			if limits.MaxConn > 0 {
				if conn := c.remotes.Conn(idx); conn > 0 && conn >= limits.MaxConn {
					return sqerrors.NewKind(sqerrors.CapacityExceeded, "remote client %s: %d connections out of %d", req.Addr, conn, limits.MaxConn)
				}
			}
			if limits.RPS > 0 && c.remotes.RPS(idx, now) > float64(limits.RPS) {
				overlimit = true
			}
		}

		if !overlimit {
			return nil
		}
		if loop >= c.cfg.MaxLoops {
			return sqerrors.NewKind(sqerrors.CapacityExceeded, "request rate still exceeded after %d retries", loop)
		}
		if err := c.clock.Sleep(ctx, sqtime.Jitter(c.rand, c.cfg.Sleep, c.cfg.Jitter)); err != nil {
			return err
		}
	}
}

// checkEntity rejects the request when the connection ceiling of the entity
// is reached, and returns true when its request rate is above its current
// limit.
func (c *Controller) checkEntity(e governor.Counters, what string, now time.Time, tracker governor.RemoteTracker) (overlimit bool, err error) {
	e.Do(func(s *governor.State, _ *quota.Record) {
		s.UpdateSpeed(now, 0, false, tracker)
		if s.Curr.MaxConn > 0 && s.TotalConn >= s.Curr.MaxConn {
			err = sqerrors.NewKind(sqerrors.CapacityExceeded, "%s: %d connections out of %d", what, s.TotalConn, s.Curr.MaxConn)
			return
		}
		_, rps := s.RealSpeed()
		overlimit = s.Curr.RPS > 0 && rps > float64(s.Curr.RPS)
	})
	return overlimit, err
}
