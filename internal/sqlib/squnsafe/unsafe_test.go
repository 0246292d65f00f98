// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package squnsafe_test

import (
	"testing"

	"github.com/sqreen/go-cband/internal/sqlib/squnsafe"
	"github.com/sqreen/go-cband/tools/testlib"
	"github.com/stretchr/testify/require"
)

func TestStringToBytes(t *testing.T) {
	t.Run("empty string", func(t *testing.T) {
		require.Nil(t, squnsafe.StringToBytes(""))
	})

	t.Run("non empty string", func(t *testing.T) {
		s := testlib.RandUTF8String(1, 64)
		cp := []byte(s)
		b := squnsafe.StringToBytes(s)
		require.Equal(t, cp, b)
		require.Equal(t, len(s), cap(b))
	})

	t.Run("host name", func(t *testing.T) {
		require.Equal(t, []byte("example.com"), squnsafe.StringToBytes("example.com"))
	})
}
