// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package classifier

import (
	"net"
	"sync/atomic"
	"unsafe"

	"github.com/bluele/gcache"
)

// Store gives lock-free access to the current classifier while allowing to
// replace it at run time. A new classifier is built while the current one is
// still being used, and only the pointer swap needs to be synchronized.
// Each classifier comes with its own LRU cache of client addresses so that
// swapping it also drops the stale classifications.
type Store struct {
	current   *snapshot
	cacheSize int
}

type snapshot struct {
	classifier *Classifier
	cache      gcache.Cache
}

// NewStore returns a store caching the classification of up to `cacheSize`
// addresses. The cache is disabled when the size is not positive.
func NewStore(cacheSize int) *Store {
	s := &Store{cacheSize: cacheSize}
	empty, _ := New(nil)
	s.Set(empty)
	return s
}

func (s *Store) get() *snapshot {
	return (*snapshot)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&s.current))))
}

// Set replaces the current classifier.
func (s *Store) Set(c *Classifier) {
	snap := &snapshot{classifier: c}
	if s.cacheSize > 0 {
		snap.cache = gcache.New(s.cacheSize).LRU().Build()
	}
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&s.current)), unsafe.Pointer(snap))
}

// Classifier returns the current classifier.
func (s *Store) Classifier() *Classifier {
	return s.get().classifier
}

// Classify returns the class index of the address according to the current
// classifier.
func (s *Store) Classify(ip net.IP) (class int, ok bool) {
	snap := s.get()
	if snap.cache == nil {
		return snap.classifier.Classify(ip)
	}

	key := string(ip.To16())
	if v, err := snap.cache.Get(key); err == nil {
		class = v.(int)
		return class, class != Unclassified
	}
	class, ok = snap.classifier.Classify(ip)
	_ = snap.cache.Set(key, class)
	return class, ok
}
