// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package units_test

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/sqreen/go-cband/internal/units"
	"github.com/stretchr/testify/require"
)

func TestPeriod(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected uint64
	}{
		{"0", 0},
		{"42", 42},
		{"30s", 30},
		{"30S", 30},
		{"2m", 120},
		{"1H", 3600},
		{"4h", 4 * 3600},
		{"1d", 86400},
		{"2W", 2 * 7 * 86400},
		{" 15 m ", 900},
	} {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			v, err := units.Period(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.expected, v)
		})
	}

	for _, in := range []string{"", "m", "-1s", "1y", "1.5h", "99999999999999999999999", "99999999999999999w"} {
		in := in
		t.Run("invalid "+in, func(t *testing.T) {
			_, err := units.Period(in)
			require.Error(t, err)
			require.True(t, sqerrors.Is(err, sqerrors.InvalidFormat))
		})
	}
}

func TestLimit(t *testing.T) {
	for _, tc := range []struct {
		in           string
		expectedKilo uint64
		expectedMult uint32
	}{
		{"100", 100, 1000},
		{"100k", 100, 1000},
		{"100Ki", 100, 1024},
		{"100KiB", 100, 1024},
		{"10M", 10000, 1000},
		{"10MB", 10000, 1000},
		{"10Mi", 10240, 1024},
		{"2g", 2000000, 1000},
		{"2Gi", 2 * 1024 * 1024, 1024},
	} {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			kilo, mult, err := units.Limit(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.expectedKilo, kilo)
			require.Equal(t, tc.expectedMult, mult)
		})
	}

	for _, in := range []string{"", "k", "10T", "1.5M", "10 Mo", "99999999999999999G", "18446744073709551615Mi"} {
		in := in
		t.Run("invalid "+in, func(t *testing.T) {
			_, _, err := units.Limit(in)
			require.True(t, sqerrors.Is(err, sqerrors.InvalidFormat))
		})
	}
}

func TestSpeed(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected uint64
	}{
		{"100", 100},
		{"100kbps", 100},
		{"100kb/s", 100},
		{"100kB/s", 800},
		{"100KBps", 800},
		{"1Mbps", 1024},
		{"1MB/s", 8 * 1024},
		{"2gbps", 2 * 1024 * 1024},
		{"512k", 512},
	} {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			v, err := units.Speed(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.expected, v)
		})
	}

	for _, in := range []string{"", "fast", "10kbit", "-5kbps", "18446744073709551615B/s", "99999999999999gbps"} {
		in := in
		t.Run("invalid "+in, func(t *testing.T) {
			_, err := units.Speed(in)
			require.True(t, sqerrors.Is(err, sqerrors.InvalidFormat))
		})
	}
}

func TestFuzz(t *testing.T) {
	// Random input never panics and either parses or fails with an
	// invalid format error.
	f := fuzz.New().NilChance(0)
	for i := 0; i < 1000; i++ {
		var s string
		f.Fuzz(&s)
		for _, parse := range []func(string) error{
			func(s string) error { _, err := units.Period(s); return err },
			func(s string) error { _, _, err := units.Limit(s); return err },
			func(s string) error { _, err := units.Speed(s); return err },
		} {
			require.NotPanics(t, func() {
				if err := parse(s); err != nil {
					require.True(t, sqerrors.Is(err, sqerrors.InvalidFormat))
				}
			})
		}
	}
}

func TestFormat(t *testing.T) {
	require.Equal(t, "0W 0D 00:00:00", units.FormatPeriod(0))
	require.Equal(t, "1W 2D 03:04:05", units.FormatPeriod(7*86400+2*86400+3*3600+4*60+5))

	require.Equal(t, "512KB", units.FormatSize(512, 0))
	require.Equal(t, "1.5MB", units.FormatSize(1500, 1000))
	require.Equal(t, "1.33MiB", units.FormatSize(1365, 1024))
	require.Equal(t, "2GiB", units.FormatSize(2*1024*1024, 1024))
}
