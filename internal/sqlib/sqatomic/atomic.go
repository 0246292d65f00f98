// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package sqatomic

import "sync/atomic"

// Int64 is a wrapper type of an int64 providing convenience methods of
// commonly used atomic operations.
type Int64 int64

func (i *Int64) unwrap() *int64 { return (*int64)(i) }

func (i *Int64) Load() int64 {
	return atomic.LoadInt64(i.unwrap())
}

func (i *Int64) Store(v int64) {
	atomic.StoreInt64(i.unwrap(), v)
}

func (i *Int64) Increment() int64 {
	return i.Add(1)
}

func (i *Int64) Decrement() int64 {
	return i.Add(-1)
}

func (i *Int64) Add(delta int64) int64 {
	return atomic.AddInt64(i.unwrap(), delta)
}
