// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package governor_test

import (
	"testing"
	"time"

	"github.com/sqreen/go-cband/internal/governor"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestAdjust(t *testing.T) {
	for _, tc := range []struct {
		name     string
		val      uint64
		delta    int64
		expected uint64
	}{
		{"increment", 1, 1, 2},
		{"decrement", 2, -1, 1},
		{"decrement to zero", 2, -2, 0},
		{"underflow", 1, -2, 0},
		{"zero delta", 5, 0, 5},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			v := tc.val
			governor.Adjust(&v, tc.delta)
			require.Equal(t, tc.expected, v)
		})
	}
}

func TestSpeedSwitching(t *testing.T) {
	s := governor.NewState(
		governor.Speed{Kbps: 1024, RPS: 10, MaxConn: 5},
		governor.Speed{Kbps: 128, RPS: 2, MaxConn: 1},
		governor.Speed{},
	)
	require.Equal(t, s.Max, s.Curr)
	require.Equal(t, uint64(1024), s.SharedKbps)
	require.False(t, s.Overlimit)

	s.SetOverlimit()
	require.Equal(t, s.Over, s.Curr)
	require.Equal(t, uint64(128), s.SharedKbps)
	require.True(t, s.Overlimit)

	s.SetNormal()
	require.Equal(t, s.Max, s.Curr)
	require.Equal(t, uint64(1024), s.SharedKbps)
	require.False(t, s.Overlimit)
}

func TestAdjustSharedPool(t *testing.T) {
	t.Run("saturates at zero", func(t *testing.T) {
		s := governor.NewState(governor.Speed{Kbps: 100}, governor.Speed{}, governor.Speed{})
		s.AdjustSharedPool(-300)
		require.Equal(t, uint64(0), s.SharedKbps)
		s.AdjustSharedPool(60)
		require.Equal(t, uint64(60), s.SharedKbps)
		s.AdjustSharedPool(40)
		require.Equal(t, uint64(100), s.SharedKbps)
		// Above the ceiling resets to it
		s.AdjustSharedPool(1)
		require.Equal(t, uint64(100), s.SharedKbps)
		require.False(t, s.Overlimit)
	})

	t.Run("over limit", func(t *testing.T) {
		s := governor.NewState(governor.Speed{Kbps: 100}, governor.Speed{Kbps: 10}, governor.Speed{})
		s.SetOverlimit()
		s.AdjustSharedPool(-5)
		require.Equal(t, uint64(5), s.SharedKbps)
		s.AdjustSharedPool(50)
		require.Equal(t, uint64(10), s.SharedKbps)
		require.True(t, s.Overlimit)
	})
}

type remoteTrackerMockup struct {
	mock.Mock
}

func (r *remoteTrackerMockup) NewConnection(now time.Time) { r.Called(now) }
func (r *remoteTrackerMockup) ResetWindow(now time.Time)   { r.Called(now) }

func TestUpdateSpeed(t *testing.T) {
	start := time.Unix(1600000000, 0)
	s := governor.NewState(governor.Speed{}, governor.Speed{}, governor.Speed{})
	remote := &remoteTrackerMockup{}
	defer remote.AssertExpectations(t)

	remote.On("NewConnection", start).Return().Once()
	s.UpdateSpeed(start, 0, true, remote)
	s.UpdateSpeed(start.Add(100*time.Millisecond), 1000, false, remote)
	s.UpdateSpeed(start.Add(200*time.Millisecond), 500, false, nil)
	require.Equal(t, start, s.TotalLastTime)
	bps, rps := s.RealSpeed()
	require.Equal(t, float64(1500*8), bps)
	require.Equal(t, float64(1), rps)

	// Less than 2 whole seconds: same window
	s.UpdateSpeed(start.Add(1900*time.Millisecond), 500, false, remote)
	bps, _ = s.RealSpeed()
	require.Equal(t, float64(2000*8), bps)

	// New window
	now := start.Add(2500 * time.Millisecond)
	remote.On("ResetWindow", now).Return().Once()
	s.UpdateSpeed(now, 0, false, remote)
	bps, rps = s.RealSpeed()
	require.Zero(t, bps)
	require.Zero(t, rps)
	require.Equal(t, now, s.TotalLastRefresh)
	require.Equal(t, 2500*time.Millisecond, s.TimeDelta)
	bps, rps = s.Speed()
	require.Equal(t, float64(2000*8)/2.5, bps)
	require.Equal(t, 1/2.5, rps)
}

func TestSpeedWithoutPreviousWindow(t *testing.T) {
	s := governor.State{OldTX: 10, OldConn: 2}
	bps, rps := s.Speed()
	require.Equal(t, float64(80), bps)
	require.Equal(t, float64(2), rps)
}

func TestSharedShare(t *testing.T) {
	newState := func(kbps, conns uint64) *governor.State {
		s := governor.NewState(governor.Speed{Kbps: kbps}, governor.Speed{}, governor.Speed{})
		s.SharedConnections = conns
		return &s
	}

	t.Run("unlimited", func(t *testing.T) {
		require.Equal(t, float64(-1), governor.SharedShare(newState(0, 0), nil))
		require.Equal(t, float64(-1), governor.SharedShare(newState(0, 0), newState(0, 3)))
	})

	t.Run("virtual host only", func(t *testing.T) {
		require.Equal(t, float64(100*1024), governor.SharedShare(newState(100, 0), nil))
		require.Equal(t, float64(100*1024)/4, governor.SharedShare(newState(100, 3), nil))
	})

	t.Run("smallest non-zero wins", func(t *testing.T) {
		require.Equal(t, float64(50*1024), governor.SharedShare(newState(100, 0), newState(50, 0)))
		require.Equal(t, float64(100*1024)/2, governor.SharedShare(newState(100, 1), newState(200, 1)))
		require.Equal(t, float64(50*1024), governor.SharedShare(newState(0, 0), newState(50, 0)))
		require.Equal(t, float64(100*1024), governor.SharedShare(newState(100, 0), newState(0, 0)))
	})

	t.Run("exhausted pool", func(t *testing.T) {
		s := newState(100, 0)
		s.SharedKbps = 0
		require.Equal(t, float64(0), governor.SharedShare(s, nil))
	})
}

func TestEffectiveLimits(t *testing.T) {
	remote := func(sp governor.Speed) *governor.State {
		s := governor.NewState(governor.Speed{}, governor.Speed{}, sp)
		return &s
	}

	t.Run("zero only when both are zero", func(t *testing.T) {
		require.Equal(t, governor.Speed{}, governor.EffectiveLimits(remote(governor.Speed{}), remote(governor.Speed{}), governor.Speed{}, governor.Speed{}))
		require.Equal(t, governor.Speed{}, governor.EffectiveLimits(remote(governor.Speed{}), nil, governor.Speed{}, governor.Speed{}))
	})

	t.Run("min of non-zero values", func(t *testing.T) {
		l := governor.EffectiveLimits(
			remote(governor.Speed{Kbps: 100, RPS: 0, MaxConn: 3}),
			remote(governor.Speed{Kbps: 50, RPS: 7, MaxConn: 0}),
			governor.Speed{}, governor.Speed{})
		require.Equal(t, governor.Speed{Kbps: 50, RPS: 7, MaxConn: 3}, l)

		l = governor.EffectiveLimits(
			remote(governor.Speed{Kbps: 10, RPS: 20, MaxConn: 1}),
			remote(governor.Speed{Kbps: 50, RPS: 7, MaxConn: 2}),
			governor.Speed{}, governor.Speed{})
		require.Equal(t, governor.Speed{Kbps: 10, RPS: 7, MaxConn: 1}, l)
	})

	t.Run("class overrides", func(t *testing.T) {
		l := governor.EffectiveLimits(
			remote(governor.Speed{Kbps: 100, RPS: 10, MaxConn: 3}),
			nil,
			governor.Speed{Kbps: 400}, governor.Speed{})
		require.Equal(t, governor.Speed{Kbps: 400, RPS: 10, MaxConn: 3}, l)

		l = governor.EffectiveLimits(
			remote(governor.Speed{Kbps: 100}),
			remote(governor.Speed{Kbps: 200}),
			governor.Speed{}, governor.Speed{Kbps: 20, MaxConn: 4})
		require.Equal(t, governor.Speed{Kbps: 20, MaxConn: 4}, l)
	})
}
