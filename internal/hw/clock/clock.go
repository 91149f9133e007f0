// Package clock provides the wrapping millisecond tick source used for
// non-blocking step timing.
package clock

import (
	"sync"
	"time"
)

// Source reads an unsigned millisecond counter that wraps at 2^32.
type Source interface {
	Millis() uint32
}

// System counts milliseconds since it was created. The counter wraps
// after about 49.7 days, like a microcontroller's millis().
type System struct {
	start time.Time
}

// NewSystem returns a System clock starting at zero.
func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) Millis() uint32 {
	return uint32(time.Since(s.start).Milliseconds())
}

// Manual is a settable clock for tests and simulation.
type Manual struct {
	mu  sync.Mutex
	now uint32
}

// NewManual returns a Manual clock reading start.
func NewManual(start uint32) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Millis() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t uint32) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by ms, wrapping at 2^32.
func (m *Manual) Advance(ms uint32) {
	m.mu.Lock()
	m.now += ms
	m.mu.Unlock()
}

// Due reports whether now has reached deadline, treating both as points on a
// wrapping counter. Valid while the two are less than 2^31 ms apart.
func Due(now, deadline uint32) bool {
	return int32(now-deadline) >= 0
}
