// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package quota implements the usage records of virtual hosts and users,
// their refresh windows and the limits they are checked against.
//
// Records are not safe for concurrent use: they are only accessed in the
// critical sections of their entity.
package quota

import (
	"encoding/binary"
	"time"

	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

// MaxClasses is the number of class counters of a record.
const MaxClasses = 32

// RecordSize is the size of the binary representation of a record.
const RecordSize = 8 + MaxClasses*8 + 8 + 8 + 4 + 4

// Record is the usage record of an entity.
type Record struct {
	TotalBytes uint64
	ClassBytes [MaxClasses]uint64
	// Unix time in seconds of the beginning of the current window.
	StartTime uint64
	// Number of updates left before the record is saved.
	FlushCount int64
	// Non-zero when the record was used since the startup.
	WasRequest int32
}

// Add accounts bytes to the total and, when the class index is valid, to the
// class.
func (r *Record) Add(class int, bytes uint64) {
	r.TotalBytes += bytes
	if class >= 0 && class < MaxClasses {
		r.ClassBytes[class] += bytes
	}
}

// Usage returns the total usage and the usage of the class. The class usage
// is zero for invalid class indexes.
func (r *Record) Usage(class int) Usage {
	u := Usage{Total: r.TotalBytes}
	if class >= 0 && class < MaxClasses {
		u.Class = r.ClassBytes[class]
	}
	return u
}

// Clear zeroes the whole record.
func (r *Record) Clear() {
	*r = Record{}
}

// Reset clears the record and starts a new window at `now`.
func (r *Record) Reset(now time.Time) {
	r.Clear()
	r.StartTime = unix(now)
}

// Refresh starts a new window when the current one has expired and returns
// true when it did. A zero period never expires. The window of a record
// without start time starts now.
func (r *Record) Refresh(now time.Time, period uint64) (expired bool) {
	if period == 0 {
		return false
	}
	sec := unix(now)
	if r.StartTime == 0 {
		r.StartTime = sec
		return false
	}
	if sec >= r.StartTime+period {
		r.Reset(now)
		return true
	}
	return false
}

// Tick marks the record as used and decrements its flush countdown. It
// returns true when the record needs to be saved, in which case the
// countdown restarts from `flushPeriod`. Every tick saves when the period is
// 1 or less.
func (r *Record) Tick(flushPeriod int64) (save bool) {
	r.WasRequest = 1
	r.FlushCount--
	if r.FlushCount <= 0 {
		r.FlushCount = flushPeriod
		return true
	}
	return false
}

// MarshalBinary returns the fixed-size little-endian representation of the
// record.
func (r *Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	b := buf
	binary.LittleEndian.PutUint64(b, r.TotalBytes)
	b = b[8:]
	for _, v := range r.ClassBytes {
		binary.LittleEndian.PutUint64(b, v)
		b = b[8:]
	}
	binary.LittleEndian.PutUint64(b, r.StartTime)
	b = b[8:]
	binary.LittleEndian.PutUint64(b, uint64(r.FlushCount))
	b = b[8:]
	binary.LittleEndian.PutUint32(b, uint32(r.WasRequest))
	// The remaining 4 bytes are padding.
	return buf, nil
}

// UnmarshalBinary decodes the representation returned by MarshalBinary.
func (r *Record) UnmarshalBinary(buf []byte) error {
	if len(buf) != RecordSize {
		return sqerrors.NewKind(sqerrors.InvalidFormat, "unexpected usage record size `%d` instead of `%d`", len(buf), RecordSize)
	}
	b := buf
	r.TotalBytes = binary.LittleEndian.Uint64(b)
	b = b[8:]
	for i := range r.ClassBytes {
		r.ClassBytes[i] = binary.LittleEndian.Uint64(b)
		b = b[8:]
	}
	r.StartTime = binary.LittleEndian.Uint64(b)
	b = b[8:]
	r.FlushCount = int64(binary.LittleEndian.Uint64(b))
	b = b[8:]
	r.WasRequest = int32(binary.LittleEndian.Uint32(b))
	return nil
}

func unix(t time.Time) uint64 {
	sec := t.Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec)
}
