// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package classifier_test

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/sqreen/go-cband/internal/classifier"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/stretchr/testify/require"
)

func TestClassifier(t *testing.T) {
	c, err := classifier.New([]classifier.Definition{
		{Name: "A", Destinations: []string{"10.0.0.0/8"}},
		{Name: "B", Destinations: []string{"10.1.0.0/16", "fd00::/8"}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	for _, tc := range []struct {
		addr          string
		expectedClass int
	}{
		{"10.1.2.3", 1},
		{"10.2.2.3", 0},
		{"192.168.1.1", classifier.Unclassified},
		{"fd00::1", 1},
		{"fe00::1", classifier.Unclassified},
		{"not an ip", classifier.Unclassified},
		{"", classifier.Unclassified},
	} {
		tc := tc
		t.Run(tc.addr, func(t *testing.T) {
			class, ok := c.ClassifyString(tc.addr)
			require.Equal(t, tc.expectedClass, class)
			require.Equal(t, tc.expectedClass != classifier.Unclassified, ok)
		})
	}

	t.Run("names", func(t *testing.T) {
		require.Equal(t, "A", c.Name(0))
		require.Equal(t, "B", c.Name(1))
		require.Equal(t, "", c.Name(2))
		require.Equal(t, "", c.Name(classifier.Unclassified))
		i, ok := c.Index("B")
		require.True(t, ok)
		require.Equal(t, 1, i)
		_, ok = c.Index("C")
		require.False(t, ok)
		require.Len(t, c.Destinations(1), 2)
	})

	t.Run("malformed ip", func(t *testing.T) {
		class, ok := c.Classify(net.IP{1, 2, 3})
		require.False(t, ok)
		require.Equal(t, classifier.Unclassified, class)
	})
}

func TestNewWithInvalidDefinitions(t *testing.T) {
	defs := []classifier.Definition{
		{Name: "A", Destinations: []string{"10/8", "not a prefix"}},
		{Name: "B", Destinations: []string{"10/8"}},
	}
	for i := 0; i < classifier.MaxClasses; i++ {
		defs = append(defs, classifier.Definition{Name: fmt.Sprintf("c%d", i)})
	}
	c, err := classifier.New(defs)
	require.Error(t, err)
	errs, ok := err.(sqerrors.ErrorCollection)
	require.True(t, ok)
	require.Len(t, errs, 3)
	require.True(t, sqerrors.Is(errs[0], sqerrors.InvalidFormat))
	require.True(t, sqerrors.Is(errs[1], sqerrors.ConfigInvariantViolation))

	// The valid part is usable and the last class listing a destination wins
	require.Equal(t, classifier.MaxClasses, c.Len())
	class, ok := c.ClassifyString("10.1.1.1")
	require.True(t, ok)
	require.Equal(t, 1, class)
}

func TestStore(t *testing.T) {
	for _, cacheSize := range []int{0, 2, 1024} {
		cacheSize := cacheSize
		t.Run(fmt.Sprintf("cache size %d", cacheSize), func(t *testing.T) {
			s := classifier.NewStore(cacheSize)
			_, ok := s.Classify(net.ParseIP("10.1.2.3"))
			require.False(t, ok)

			c, err := classifier.New([]classifier.Definition{
				{Name: "A", Destinations: []string{"10.0.0.0/8"}},
				{Name: "B", Destinations: []string{"10.1.0.0/16"}},
			})
			require.NoError(t, err)
			s.Set(c)
			require.Equal(t, c, s.Classifier())

			for i := 0; i < 3; i++ {
				class, ok := s.Classify(net.ParseIP("10.1.2.3"))
				require.True(t, ok)
				require.Equal(t, 1, class)
				class, ok = s.Classify(net.ParseIP("10.2.2.3"))
				require.True(t, ok)
				require.Equal(t, 0, class)
				class, ok = s.Classify(net.ParseIP("192.168.1.1"))
				require.False(t, ok)
				require.Equal(t, classifier.Unclassified, class)
			}

			// Reloading drops the cached classifications
			c, err = classifier.New([]classifier.Definition{
				{Name: "C", Destinations: []string{"192.168.0.0/16"}},
			})
			require.NoError(t, err)
			s.Set(c)
			class, ok := s.Classify(net.ParseIP("192.168.1.1"))
			require.True(t, ok)
			require.Equal(t, 0, class)
			_, ok = s.Classify(net.ParseIP("10.1.2.3"))
			require.False(t, ok)
		})
	}
}

func TestStoreConcurrentReload(t *testing.T) {
	s := classifier.NewStore(16)
	a, err := classifier.New([]classifier.Definition{{Name: "A", Destinations: []string{"10/8"}}})
	require.NoError(t, err)
	b, err := classifier.New([]classifier.Definition{{Name: "B", Destinations: []string{"10/8"}}, {Name: "C", Destinations: []string{"10.1/16"}}})
	require.NoError(t, err)
	s.Set(a)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 1000; n++ {
				class, ok := s.Classify(net.ParseIP("10.1.2.3"))
				if !ok || (class != 0 && class != 1) {
					panic(fmt.Sprintf("unexpected class %d", class))
				}
			}
		}()
	}
	for n := 0; n < 100; n++ {
		if n%2 == 0 {
			s.Set(b)
		} else {
			s.Set(a)
		}
	}
	wg.Wait()
}
