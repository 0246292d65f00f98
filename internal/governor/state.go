// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package governor implements the shared rate state of virtual hosts and
// users: their speeds, their shared bandwidth pool and their rolling
// transfer and connection rates.
package governor

import (
	"time"
)

const (
	// PeriodLen is the length in seconds of the rate windows.
	PeriodLen = 1
	// MinSpeed is the minimum pacing rate in bps.
	MinSpeed = 1024
)

// Speed is a speed limit. Zero values are unlimited.
type Speed struct {
	Kbps    uint64
	RPS     uint64
	MaxConn uint64
}

// Zero returns true when every value of the speed is unlimited.
func (s Speed) Zero() bool { return s == Speed{} }

// State is the rate state of an entity. It must only be accessed in the
// critical sections of the entity.
type State struct {
	// Configured speed.
	Max Speed
	// Configured speed once the quota is exceeded.
	Over Speed
	// Current speed: either Max or Over.
	Curr Speed
	// Configured speed of each remote client.
	Remote Speed

	// Bandwidth pool shared by the connections.
	SharedKbps uint64
	// Number of connections currently drawing from the pool.
	SharedConnections uint64
	// Number of active connections.
	TotalConn uint64

	TotalLastRefresh time.Time
	TotalLastTime    time.Time

	// Transferred bytes and new connections of the current and previous
	// windows.
	CurrentTX   uint64
	OldTX       uint64
	CurrentConn uint64
	OldConn     uint64
	// Length of the previous window.
	TimeDelta time.Duration

	Overlimit bool
}

// NewState returns the rate state of the given configured speeds, at normal
// speed.
func NewState(max, over, remote Speed) State {
	s := State{Max: max, Over: over, Remote: remote}
	s.SetNormal()
	return s
}

// SetOverlimit switches to the over-limit speed.
func (s *State) SetOverlimit() {
	s.Curr = s.Over
	s.SharedKbps = s.Over.Kbps
	s.Overlimit = true
}

// SetNormal switches to the normal speed.
func (s *State) SetNormal() {
	s.Curr = s.Max
	s.SharedKbps = s.Max.Kbps
	s.Overlimit = false
}

// Adjust applies the delta to the value, clamping it to zero instead of
// underflowing.
func Adjust(val *uint64, delta int64) {
	switch {
	case delta > 0:
		*val += uint64(delta)
	case delta < 0:
		if d := uint64(-delta); *val >= d {
			*val -= d
		} else {
			*val = 0
		}
	}
}

// AdjustSharedPool applies the delta to the shared pool. The current speed
// is reset when the pool goes above the ceiling of the current mode.
func (s *State) AdjustSharedPool(deltaKbps int64) {
	Adjust(&s.SharedKbps, deltaKbps)
	if s.Overlimit && s.SharedKbps > s.Over.Kbps {
		s.SetOverlimit()
	} else if !s.Overlimit && s.SharedKbps > s.Max.Kbps {
		s.SetNormal()
	}
}

// AdjustSharedConnections applies the delta to the number of connections
// drawing from the shared pool.
func (s *State) AdjustSharedConnections(delta int64) {
	Adjust(&s.SharedConnections, delta)
}

// AdjustTotalConn applies the delta to the number of active connections.
func (s *State) AdjustTotalConn(delta int64) {
	Adjust(&s.TotalConn, delta)
}

// RemoteTracker receives the connection events of the remote client on
// behalf of which the rate state is updated.
type RemoteTracker interface {
	// NewConnection counts a new connection at `now`.
	NewConnection(now time.Time)
	// ResetWindow restarts the connection window at `now`.
	ResetWindow(now time.Time)
}

// UpdateSpeed accounts the transferred bytes and the new connection, if any,
// to the current window. The current window becomes the previous one once
// more than PeriodLen whole seconds elapsed since it started. The remote
// tracker can be nil.
func (s *State) UpdateSpeed(now time.Time, bytes uint64, newConn bool, remote RemoteTracker) {
	if s.TotalLastRefresh.IsZero() {
		s.TotalLastRefresh = now
	}
	s.CurrentTX += bytes

	if newConn {
		s.TotalLastTime = now
		if remote != nil {
			remote.NewConnection(now)
		}
		s.CurrentConn++
	}

	elapsed := now.Sub(s.TotalLastRefresh)
	if elapsed/time.Second > PeriodLen {
		s.TotalLastRefresh = now
		if remote != nil {
			remote.ResetWindow(now)
		}
		s.TimeDelta = elapsed
		s.OldTX = s.CurrentTX
		s.OldConn = s.CurrentConn
		s.CurrentTX = 0
		s.CurrentConn = 0
	}
}

// RealSpeed returns the rates of the current window.
func (s *State) RealSpeed() (bps, rps float64) {
	return float64(s.CurrentTX*8) / PeriodLen, float64(s.CurrentConn) / PeriodLen
}

// Speed returns the rates of the previous window.
func (s *State) Speed() (bps, rps float64) {
	delta := s.TimeDelta.Seconds()
	if delta <= 0 {
		delta = PeriodLen
	}
	return float64(s.OldTX*8) / delta, float64(s.OldConn) / delta
}

// share returns the bandwidth in bps a new connection would get from the
// shared pool.
func (s *State) share() float64 {
	bps := float64(s.SharedKbps * 1024)
	if s.SharedConnections > 0 {
		bps /= float64(s.SharedConnections + 1)
	}
	return bps
}

// SharedShare returns the bandwidth in bps a new connection would get from
// the shared pools of the virtual host and of its user, which can be nil.
// The smallest non-zero share wins. It returns -1 when neither entity has a
// current bandwidth limit.
func SharedShare(vhost, user *State) float64 {
	if vhost.Curr.Kbps == 0 && (user == nil || user.Curr.Kbps == 0) {
		return -1
	}
	vhostBps := vhost.share()
	var userBps float64
	if user != nil {
		userBps = user.share()
	}
	switch {
	case userBps > 0 && vhostBps > userBps:
		return userBps
	case vhostBps > 0:
		return vhostBps
	default:
		return userBps
	}
}

// EffectiveLimits returns the speed limits of a remote client of the virtual
// host and of its user, which can be nil. The class speeds replace the
// configured remote speeds of the entity when non-zero. Per value, the
// smallest non-zero limit wins and zero means unlimited.
func EffectiveLimits(vhost, user *State, vhostClass, userClass Speed) Speed {
	v := override(vhost.Remote, vhostClass)
	var u Speed
	if user != nil {
		u = override(user.Remote, userClass)
	}
	return Speed{
		Kbps:    minNonZero(v.Kbps, u.Kbps),
		RPS:     minNonZero(v.RPS, u.RPS),
		MaxConn: minNonZero(v.MaxConn, u.MaxConn),
	}
}

func override(s, class Speed) Speed {
	if class.Kbps > 0 {
		s.Kbps = class.Kbps
	}
	if class.RPS > 0 {
		s.RPS = class.RPS
	}
	if class.MaxConn > 0 {
		s.MaxConn = class.MaxConn
	}
	return s
}

func minNonZero(a, b uint64) uint64 {
	if a == 0 || (b != 0 && b < a) {
		return b
	}
	return a
}
