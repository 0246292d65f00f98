// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package sqtime

import "sync/atomic"

// BackoffCounter is a counter sampling events at exponentially growing
// intervals: 1st, 2nd, 4th, 8th, etc.
type BackoffCounter uint64

// Do atomically increments backoff counter and calls function `f` along with
// the incremented counter value when the new count is a power of two.
func (c *BackoffCounter) Do(f func(count uint64)) {
	v := atomic.AddUint64((*uint64)(c), 1)
	if (v & (v - 1)) == 0 {
		f(v)
	}
}
