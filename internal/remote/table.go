// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package remote implements the bounded table of remote clients. A client is
// identified by its address and the virtual host it is talking to, and is
// forgotten once idle without active connections.
package remote

import (
	"net"
	"sync"
	"time"

	"github.com/sqreen/go-cband/internal/governor"
)

const (
	// DefaultCapacity is the default number of slots of a table.
	DefaultCapacity = 8192
	// MaxLife is the idle duration after which a client without active
	// connections expires.
	MaxLife = 10 * time.Second
)

// Client is a slot of the table.
type Client struct {
	used bool

	Addr  net.IP
	VHost string
	// Active connections.
	Conn uint64
	// Connection ceiling of the client, zero when unlimited.
	MaxConn uint64
	// Observed speed.
	Kbps uint64
	// Connections in the current window.
	TotalConn uint64

	LastTime    time.Time
	LastRefresh time.Time
}

// Used returns true when the slot is assigned to a client.
func (c *Client) Used() bool { return c.used }

func (c *Client) expired(now time.Time) bool {
	return now.Sub(c.LastTime) > MaxLife && c.Conn == 0
}

// Table is the remote client table. Slots are referenced by their index,
// which stays valid until the slot is reused by another client.
type Table struct {
	mu    sync.Mutex
	slots []Client
}

// New returns a table with the given number of slots. DefaultCapacity is used
// when the capacity is not positive.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{slots: make([]Client, capacity)}
}

// Capacity returns the number of slots of the table.
func (t *Table) Capacity() int { return len(t.slots) }

// FindOrCreate returns the index of the slot of the client talking to the
// virtual host. When the client is unknown and `create` is true, the first
// slot either unused or expired is assigned to it. It returns false when the
// client is unknown and no slot could be assigned.
func (t *Table) FindOrCreate(addr net.IP, vhost string, create bool, now time.Time) (int, bool) {
	if addr == nil {
		return -1, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		c := &t.slots[i]
		if !c.used || c.expired(now) {
			continue
		}
		if c.VHost == vhost && c.Addr.Equal(addr) {
			return i, true
		}
	}

	if !create {
		return -1, false
	}

	for i := range t.slots {
		c := &t.slots[i]
		if c.used && !c.expired(now) {
			continue
		}
		*c = Client{
			used:        true,
			Addr:        append(net.IP(nil), addr.To16()...),
			VHost:       vhost,
			LastTime:    now,
			LastRefresh: now,
		}
		return i, true
	}
	return -1, false
}

// Do calls fn with the table lock held on the slot of the given index.
// Invalid indexes are ignored.
func (t *Table) Do(idx int, fn func(c *Client)) {
	if idx < 0 || idx >= len(t.slots) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.slots[idx])
}

// Get returns a copy of the slot of the given index.
func (t *Table) Get(idx int) (c Client) {
	t.Do(idx, func(client *Client) {
		c = *client
	})
	return c
}

// Len returns the number of slots currently assigned to a client which is
// not expired.
func (t *Table) Len(now time.Time) (n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].used && !t.slots[i].expired(now) {
			n++
		}
	}
	return n
}

// AdjustConn applies the delta to the active connections of the client.
func (t *Table) AdjustConn(idx int, delta int64) {
	t.Do(idx, func(c *Client) {
		governor.Adjust(&c.Conn, delta)
	})
}

// Conn returns the active connections of the client.
func (t *Table) Conn(idx int) (n uint64) {
	t.Do(idx, func(c *Client) {
		n = c.Conn
	})
	return n
}

// AdjustTotalConn applies the delta to the connections of the current
// window of the client.
func (t *Table) AdjustTotalConn(idx int, delta int64) {
	t.Do(idx, func(c *Client) {
		governor.Adjust(&c.TotalConn, delta)
	})
}

// SetRequestTime records the last activity of the client.
func (t *Table) SetRequestTime(idx int, now time.Time) {
	t.Do(idx, func(c *Client) {
		c.LastTime = now
	})
}

// SetKbps records the observed speed of the client.
func (t *Table) SetKbps(idx int, kbps uint64) {
	t.Do(idx, func(c *Client) {
		c.Kbps = kbps
	})
}

// SetMaxConn sets the connection ceiling of the client.
func (t *Table) SetMaxConn(idx int, max uint64) {
	t.Do(idx, func(c *Client) {
		c.MaxConn = max
	})
}

// ResetWindow starts a new connection window for the client.
func (t *Table) ResetWindow(idx int, now time.Time) {
	t.Do(idx, func(c *Client) {
		c.LastRefresh = now
		c.TotalConn = 0
	})
}

// RPS returns the observed request rate of the client in its current window.
// It is zero when no time elapsed since the window started.
func (t *Table) RPS(idx int, now time.Time) (rps float64) {
	t.Do(idx, func(c *Client) {
		if elapsed := now.Sub(c.LastRefresh).Seconds(); elapsed > 0 {
			rps = float64(c.TotalConn) / elapsed
		}
	})
	return rps
}

// Slot returns the rate state tracker of the slot of the given index.
// Updates to invalid indexes are ignored.
func (t *Table) Slot(idx int) Slot {
	return Slot{table: t, idx: idx}
}

// Slot is a handle to a slot of the table receiving the connection events of
// the rate states.
type Slot struct {
	table *Table
	idx   int
}

var _ governor.RemoteTracker = Slot{}

func (s Slot) Index() int { return s.idx }

func (s Slot) NewConnection(now time.Time) {
	s.table.Do(s.idx, func(c *Client) {
		c.LastTime = now
		c.TotalConn++
	})
}

func (s Slot) ResetWindow(now time.Time) {
	s.table.ResetWindow(s.idx, now)
}
