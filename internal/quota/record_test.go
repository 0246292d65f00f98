// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package quota_test

import (
	"encoding/binary"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/sqreen/go-cband/internal/quota"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/stretchr/testify/require"
)

func TestRecordAdd(t *testing.T) {
	var r quota.Record
	r.Add(-1, 100)
	r.Add(3, 50)
	r.Add(3, 25)
	r.Add(quota.MaxClasses, 1000)
	require.Equal(t, uint64(1175), r.TotalBytes)
	require.Equal(t, uint64(75), r.ClassBytes[3])
	require.Equal(t, quota.Usage{Total: 1175, Class: 75}, r.Usage(3))
	require.Equal(t, quota.Usage{Total: 1175}, r.Usage(-1))
}

func TestRecordRefresh(t *testing.T) {
	start := time.Unix(1600000000, 0)

	t.Run("zero period never expires", func(t *testing.T) {
		r := quota.Record{TotalBytes: 10}
		require.False(t, r.Refresh(start.Add(1000*time.Hour), 0))
		require.Equal(t, uint64(10), r.TotalBytes)
		require.Zero(t, r.StartTime)
	})

	t.Run("first use starts the window", func(t *testing.T) {
		r := quota.Record{TotalBytes: 10}
		require.False(t, r.Refresh(start, 60))
		require.Equal(t, uint64(start.Unix()), r.StartTime)
		require.Equal(t, uint64(10), r.TotalBytes)
	})

	t.Run("expiry", func(t *testing.T) {
		r := quota.Record{StartTime: uint64(start.Unix()), FlushCount: 3, WasRequest: 1}
		r.Add(1, 10)
		require.False(t, r.Refresh(start.Add(59*time.Second), 60))
		require.Equal(t, uint64(10), r.TotalBytes)

		now := start.Add(60 * time.Second)
		require.True(t, r.Refresh(now, 60))
		require.Equal(t, quota.Record{StartTime: uint64(now.Unix())}, r)
	})
}

func TestRecordTick(t *testing.T) {
	t.Run("period of 1 or less saves every time", func(t *testing.T) {
		for _, period := range []int64{-1, 0, 1} {
			var r quota.Record
			for i := 0; i < 5; i++ {
				require.True(t, r.Tick(period))
				require.Equal(t, int32(1), r.WasRequest)
			}
		}
	})

	t.Run("period of 3", func(t *testing.T) {
		var r quota.Record
		var saves []int
		for i := 0; i < 10; i++ {
			if r.Tick(3) {
				saves = append(saves, i)
			}
		}
		require.Equal(t, []int{0, 3, 6, 9}, saves)
	})
}

func TestRecordBinary(t *testing.T) {
	require.Equal(t, 288, quota.RecordSize)

	t.Run("layout", func(t *testing.T) {
		r := quota.Record{TotalBytes: 1, StartTime: 3, FlushCount: -4, WasRequest: 5}
		r.ClassBytes[0] = 2
		r.ClassBytes[quota.MaxClasses-1] = 6
		b, err := r.MarshalBinary()
		require.NoError(t, err)
		require.Len(t, b, quota.RecordSize)
		require.Equal(t, uint64(1), binary.LittleEndian.Uint64(b[0:]))
		require.Equal(t, uint64(2), binary.LittleEndian.Uint64(b[8:]))
		require.Equal(t, uint64(6), binary.LittleEndian.Uint64(b[8+31*8:]))
		require.Equal(t, uint64(3), binary.LittleEndian.Uint64(b[264:]))
		require.Equal(t, int64(-4), int64(binary.LittleEndian.Uint64(b[272:])))
		require.Equal(t, uint32(5), binary.LittleEndian.Uint32(b[280:]))
		require.Equal(t, []byte{0, 0, 0, 0}, b[284:])
	})

	t.Run("round trip", func(t *testing.T) {
		f := fuzz.New().NilChance(0)
		for i := 0; i < 100; i++ {
			var r quota.Record
			f.Fuzz(&r)
			b, err := r.MarshalBinary()
			require.NoError(t, err)
			var decoded quota.Record
			require.NoError(t, decoded.UnmarshalBinary(b))
			require.Equal(t, r, decoded)
			again, err := decoded.MarshalBinary()
			require.NoError(t, err)
			require.Equal(t, b, again)
		}
	})

	t.Run("invalid size", func(t *testing.T) {
		var r quota.Record
		err := r.UnmarshalBinary(make([]byte, quota.RecordSize-4))
		require.True(t, sqerrors.Is(err, sqerrors.InvalidFormat))
	})
}
