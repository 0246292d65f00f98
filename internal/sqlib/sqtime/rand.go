// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package sqtime

import (
	"math/rand"
	"sync"
	"time"
)

// Rand is the source of the randomized sleep durations.
type Rand interface {
	// Int63n returns a number in [0,n). It panics if n <= 0.
	Int63n(n int64) int64
}

// LockedRand is a Rand safe for concurrent use.
type LockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewLockedRand(seed int64) *LockedRand {
	return &LockedRand{r: rand.New(rand.NewSource(seed))}
}

// NewRand returns a LockedRand seeded with the current time.
func NewRand() *LockedRand {
	return NewLockedRand(time.Now().UnixNano())
}

func (r *LockedRand) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Int63n(n)
}

// Jitter returns `base` plus a random duration in [0,jitter).
func Jitter(r Rand, base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(r.Int63n(int64(jitter)))
}
