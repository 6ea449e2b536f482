// Package clock provides a lock-free logical clock.
package clock

import "sync/atomic"

// Logical is a monotonically increasing counter used as a version stamp.
// The zero value starts at 0.
type Logical struct {
	v atomic.Uint64
}

func (c *Logical) Val() uint64 {
	return c.v.Load()
}

// Tick advances the clock and returns the new value.
func (c *Logical) Tick() uint64 {
	return c.v.Add(1)
}
