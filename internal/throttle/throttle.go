// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package throttle paces the bytes of a response stream so that the
// connections of a virtual host, of its user and of a remote client fairly
// share their bandwidth (Fairness Bandwidth Sharing).
//
// Every chunk written to a stream is split into sub-chunks sized after the
// pacing rate of the connection, each followed by a sleep. The pacing rate is
// either the connection share of the entity bandwidth pools, or the remote
// client speed when lower, in which case it is debited from the pools for
// the duration of the sub-chunk.
package throttle

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sqreen/go-cband/internal/governor"
	"github.com/sqreen/go-cband/internal/quota"
	"github.com/sqreen/go-cband/internal/remote"
	"github.com/sqreen/go-cband/internal/sqlib/sqtime"
)

const (
	// MaxPulseLen is the maximum length of a random pulse.
	MaxPulseLen = 250 * time.Millisecond
	// MaxPulses is the maximum number of pulses of a sleep.
	MaxPulses = 4
	// MaxChunkLen is the maximum size of a sub-chunk.
	MaxChunkLen = 0x8000
	// MaxSlowRemoteLoops is the number of sub-chunks during which the remote
	// speed is held at a previously measured speed.
	MaxSlowRemoteLoops = 5
)

var (
	ErrAborted = errors.New("stream aborted")
	ErrClosed  = errors.New("stream closed")
)

// Sink is the downstream of a stream.
type Sink interface {
	// Deliver sends the bytes and returns the number of bytes actually sent.
	Deliver(p []byte) (int, error)
	// IsAborted returns true once the peer went away.
	IsAborted() bool
}

// State of a stream.
type State int

const (
	Streaming State = iota
	Drained
	Aborted
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case Drained:
		return "drained"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Params are the parameters of a new stream.
type Params struct {
	VHost governor.Limiter
	// User of the virtual host. Must be an untyped nil when the virtual host
	// has no user.
	User      governor.Limiter
	VHostName string
	Addr      net.IP
	// Destination class of the client, or a negative value when unclassified.
	Class int

	Remotes *remote.Table
	// Randomize the pacing sleeps instead of sleeping MaxPulseLen*MaxPulses.
	RandomPulse bool

	// Number of streams after which the usage records are saved.
	FlushPeriod int64
	// Save receives a copy of the usage record of the entity when its flush
	// countdown expires. The usage records are not counted down when nil.
	Save func(e governor.Limiter, r quota.Record)

	// Default to the system clock and to a time-seeded random source.
	Clock sqtime.Clock
	Rand  sqtime.Rand
}

// Stream is a throttled response stream. It implements io.WriteCloser and
// is not safe for concurrent use.
type Stream struct {
	ctx   context.Context
	p     Params
	sink  Sink
	clock sqtime.Clock
	rand  sqtime.Rand

	state     State
	remoteIdx int
	tracker   governor.RemoteTracker

	maxRemoteKbps uint64
	notLimit      bool
	slowRemote    int

	// Observed remote client speed measure.
	t1       time.Time
	bytesSum uint64
}

var _ io.WriteCloser = (*Stream)(nil)

// New counts a new connection for the entities and the remote client of the
// parameters and returns the stream delivering to the sink. The connection
// is counted until the stream is either closed or aborted. The context
// aborts the stream when done.
func New(ctx context.Context, p Params, sink Sink) *Stream {
	s := &Stream{
		ctx:       ctx,
		p:         p,
		sink:      sink,
		clock:     p.Clock,
		rand:      p.Rand,
		remoteIdx: -1,
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.clock == nil {
		s.clock = sqtime.SystemClock{}
	}
	if s.rand == nil {
		s.rand = sqtime.NewRand()
	}

	now := s.clock.Now()
	s.flush(p.VHost)
	if idx, ok := p.Remotes.FindOrCreate(p.Addr, p.VHostName, true, now); ok {
		s.remoteIdx = idx
		s.tracker = p.Remotes.Slot(idx)
	}
	s.newConnection(p.VHost, now)
	if p.User != nil {
		s.flush(p.User)
		s.newConnection(p.User, now)
	}

	s.maxRemoteKbps = governor.RemoteLimits(p.VHost, p.User, p.Class).Kbps
	s.notLimit = s.sharedShare() < 0 && s.maxRemoteKbps == 0

	s.eachEntity(func(st *governor.State, _ *quota.Record) {
		st.AdjustTotalConn(1)
	})
	p.Remotes.AdjustConn(s.remoteIdx, 1)
	return s
}

// State returns the current state of the stream.
func (s *Stream) State() State { return s.state }

// Limited returns false when neither the bandwidth pools nor the remote
// client speed limit the stream.
func (s *Stream) Limited() bool { return !s.notLimit }

// Write delivers the chunk to the sink at the pacing rate of the stream. It
// returns ErrAborted once the sink is aborted, in which case the stream is
// terminated.
func (s *Stream) Write(chunk []byte) (int, error) {
	if s.state != Streaming {
		if s.state == Aborted {
			return 0, ErrAborted
		}
		return 0, ErrClosed
	}
	if s.sink.IsAborted() {
		s.terminate(Aborted)
		return 0, ErrAborted
	}

	var measured, measuredOld float64
	s.t1 = s.clock.Now()
	written := 0
	for bytes := len(chunk); bytes > 0; {
		s.p.Remotes.SetRequestTime(s.remoteIdx, s.clock.Now())

		var (
			sleep      time.Duration
			split      int
			nextBps    float64
			remoteKbps int64
			sharedCase bool
		)
		if !s.notLimit {
			shared := s.sharedShare()
			if shared < 0 {
				shared = 0
			}
			remoteBps := float64(s.maxRemoteKbps * 1024)
			if conn := s.p.Remotes.Conn(s.remoteIdx); conn > 0 {
				remoteBps /= float64(conn)
			}
			sleep = s.pulse()

			if measured > 0 && (remoteBps > measured || shared > measured) {
				s.slowRemote = MaxSlowRemoteLoops
				measuredOld = measured
			}
			if s.slowRemote > 0 {
				remoteBps = measuredOld
				s.slowRemote--
			}

			remoteKbps = int64(remoteBps / 1024)
			nextBps = remoteBps
			if (shared > 0 && shared < remoteBps) || remoteBps <= 0 {
				nextBps = shared
				sharedCase = true
				s.eachEntity(func(st *governor.State, _ *quota.Record) {
					st.AdjustSharedConnections(1)
				})
			} else {
				s.eachEntity(func(st *governor.State, _ *quota.Record) {
					st.AdjustSharedPool(-remoteKbps)
				})
			}

			if nextBps <= governor.MinSpeed {
				nextBps = governor.MinSpeed
			}
			split = int(nextBps * sleep.Seconds() / 8)

			// Deliver the tail at once but only sleep its share of the pulse.
			if split > bytes {
				if split > 0 {
					sleep = time.Duration(float64(sleep) * float64(bytes) / float64(split))
				} else {
					sleep = 0
				}
				split = bytes
			}
		} else {
			split = MaxChunkLen
			if split > bytes {
				split = bytes
			}
		}

		if split > MaxChunkLen {
			sleep = time.Duration(float64(sleep) * MaxChunkLen / float64(split))
			split = MaxChunkLen
		}

		t1m := s.clock.Now()
		n, err := s.sink.Deliver(chunk[written : written+split])
		t2m := s.clock.Now()
		if n < 0 {
			n = 0
		} else if n > split {
			n = split
		}
		if err == nil && n < split {
			err = io.ErrShortWrite
		}
		bytes -= split
		written += n

		s.logBytes(uint64(n), t2m)
		s.measureRemote(uint64(n))

		var sleepErr error
		if !s.notLimit {
			if diff := t2m.Sub(t1m); diff > 0 {
				measured = float64(n*8) / diff.Seconds()
			} else {
				measured = nextBps
			}

			if err == nil {
				sleepErr = s.clock.Sleep(s.ctx, sleep)
			}

			if sharedCase {
				s.eachEntity(func(st *governor.State, _ *quota.Record) {
					st.AdjustSharedConnections(-1)
				})
			} else {
				s.eachEntity(func(st *governor.State, _ *quota.Record) {
					st.AdjustSharedPool(remoteKbps)
				})
			}
		}

		switch {
		case err != nil:
			s.terminate(Aborted)
			return written, err
		case sleepErr != nil:
			s.terminate(Aborted)
			return written, sleepErr
		case s.sink.IsAborted() || s.ctx.Err() != nil:
			s.terminate(Aborted)
			return written, ErrAborted
		}
	}
	return written, nil
}

// Close marks the end of the stream, releasing the connection it counts. It
// is a no-op when the stream is already terminated.
func (s *Stream) Close() error {
	s.terminate(Drained)
	return nil
}

// terminate releases the connection counted in New the first time it is
// called.
func (s *Stream) terminate(state State) {
	if s.state != Streaming {
		return
	}
	s.state = state
	s.eachEntity(func(st *governor.State, _ *quota.Record) {
		st.AdjustTotalConn(-1)
	})
	s.p.Remotes.AdjustConn(s.remoteIdx, -1)
}

// pulse returns the pacing sleep duration.
func (s *Stream) pulse() time.Duration {
	if !s.p.RandomPulse {
		return MaxPulseLen * MaxPulses
	}
	half := int64(MaxPulseLen / 2)
	return time.Duration(half+s.rand.Int63n(half)) * time.Duration(s.rand.Int63n(MaxPulses)+1)
}

// measureRemote updates the observed speed of the remote client about every
// second.
func (s *Stream) measureRemote(n uint64) {
	s.bytesSum += n
	now := s.clock.Now()
	elapsed := now.Sub(s.t1)
	if elapsed <= time.Second {
		return
	}
	bytesPerSecond := uint64(float64(s.bytesSum) / elapsed.Seconds())
	s.p.Remotes.SetKbps(s.remoteIdx, bytesPerSecond*8/1024)
	s.t1 = now
	s.bytesSum = 0
}

// logBytes accounts the delivered bytes to the entities.
func (s *Stream) logBytes(n uint64, now time.Time) {
	s.eachEntity(func(st *governor.State, r *quota.Record) {
		st.UpdateSpeed(now, n, false, s.tracker)
		r.Add(s.p.Class, n)
	})
}

func (s *Stream) newConnection(e governor.Limiter, now time.Time) {
	e.Do(func(st *governor.State, _ *quota.Record) {
		st.UpdateSpeed(now, 0, true, s.tracker)
	})
}

// flush counts down the flush period of the usage record of the entity and
// saves it once expired.
func (s *Stream) flush(e governor.Limiter) {
	if s.p.Save == nil {
		return
	}
	var (
		save   bool
		record quota.Record
	)
	e.Do(func(_ *governor.State, r *quota.Record) {
		if save = r.Tick(s.p.FlushPeriod); save {
			record = *r
		}
	})
	if save {
		s.p.Save(e, record)
	}
}

// sharedShare returns the bandwidth share of the connection in the pools of
// the entities.
func (s *Stream) sharedShare() float64 {
	var vhost, user governor.State
	s.p.VHost.Do(func(st *governor.State, _ *quota.Record) {
		vhost = *st
	})
	if s.p.User == nil {
		return governor.SharedShare(&vhost, nil)
	}
	s.p.User.Do(func(st *governor.State, _ *quota.Record) {
		user = *st
	})
	return governor.SharedShare(&vhost, &user)
}

// eachEntity calls fn in the critical section of the virtual host and then
// of the user.
func (s *Stream) eachEntity(fn func(st *governor.State, r *quota.Record)) {
	s.p.VHost.Do(fn)
	if s.p.User != nil {
		s.p.User.Do(fn)
	}
}
