// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package quota

import "time"

// SliceLimit returns the part of the limit available at `now` in the window
// started at `start`. The window of `refresh` seconds is divided into slices
// of `sliceLen` seconds, each one making `limit*sliceLen/refresh`, rounded
// up, more available, up to the limit. The limit is returned as is when
// slicing is disabled by a zero slice length or refresh period.
func SliceLimit(start, refresh, sliceLen, limit uint64, now time.Time) uint64 {
	if sliceLen == 0 || refresh == 0 {
		return limit
	}
	perSlice := (limit*sliceLen + refresh - 1) / refresh
	var elapsed uint64
	if sec := unix(now); sec > start {
		elapsed = sec - start
	}
	sliceNo := elapsed/sliceLen + 1
	if slice := sliceNo * perSlice; slice < limit {
		return slice
	}
	return limit
}

// Quota is a limit in kilo-units with its multiplier and its current slice
// limit.
type Quota struct {
	Limit      uint64
	SliceLimit uint64
	Mult       uint32
}

// Exceeded returns true when the quota is limited and the usage in bytes is
// above the limit or the slice limit.
func (q Quota) Exceeded(usage uint64) bool {
	if q.Limit == 0 {
		return false
	}
	mult := uint64(q.Mult)
	return q.Limit*mult < usage || q.SliceLimit*mult < usage
}

// Usage of an entity in bytes.
type Usage struct {
	Total uint64
	Class uint64
}

// Limits of an entity for the class of a request.
type Limits struct {
	Total Quota
	Class Quota
}

// Applies returns false when there is nothing to check: no usage or no
// limit at all.
func (l Limits) Applies(u Usage) bool {
	if u.Total == 0 && u.Class == 0 {
		return false
	}
	if l.Total.Limit == 0 && l.Class.Limit == 0 {
		return false
	}
	return true
}

// Check calls `exceeded` for the total quota and then for the class quota
// when they are exceeded by the usage, until it returns false. It returns
// false when `exceeded` did.
func (l Limits) Check(u Usage, exceeded func(Quota) (next bool)) bool {
	if !l.Applies(u) {
		return true
	}
	if l.Total.Exceeded(u.Total) && !exceeded(l.Total) {
		return false
	}
	if l.Class.Exceeded(u.Class) && !exceeded(l.Class) {
		return false
	}
	return true
}
