// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package sqtime_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sqreen/go-cband/internal/sqlib/sqtime"
	"github.com/stretchr/testify/require"
)

func TestJitter(t *testing.T) {
	r := sqtime.NewRand()
	for i := 0; i < 1000; i++ {
		d := sqtime.Jitter(r, 100*time.Millisecond, 100*time.Millisecond)
		require.GreaterOrEqual(t, int64(d), int64(100*time.Millisecond))
		require.Less(t, int64(d), int64(200*time.Millisecond))
	}
	require.Equal(t, time.Second, sqtime.Jitter(r, time.Second, 0))
}

func TestLockedRand(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a, b := sqtime.NewLockedRand(42), sqtime.NewLockedRand(42)
		for i := 0; i < 100; i++ {
			require.Equal(t, a.Int63n(1000), b.Int63n(1000))
		}
	})

	t.Run("concurrent use", func(t *testing.T) {
		r := sqtime.NewRand()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < 1000; n++ {
					_ = r.Int63n(10)
				}
			}()
		}
		wg.Wait()
	})
}
