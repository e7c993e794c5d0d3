// Package clock provides the logical timestamps stamped on synchronized records.
package clock

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock: readings follow wall-clock milliseconds but never go
// backwards and never repeat, and Observe pulls the clock past timestamps seen from peers.
type Clock struct {
	mu   sync.Mutex
	last int64
	wall func() time.Time
}

// New returns a clock reading time.Now.
func New() *Clock { return &Clock{wall: time.Now} }

// NewWithWall returns a clock over a custom wall source.
func NewWithWall(wall func() time.Time) *Clock { return &Clock{wall: wall} }

// Now returns a timestamp strictly greater than every previous reading or observation.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.wall().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

// Observe records a remote timestamp so later local writes order after it.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}
