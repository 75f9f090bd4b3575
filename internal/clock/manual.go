package clock

import (
	"runtime"
	"sync"
	"time"
)

// Manual is a controllable clock. Sleep advances the clock instead of blocking,
// so busy-wait loops run to completion without real delay.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Sleep advances the clock by d and yields the processor.
func (m *Manual) Sleep(d time.Duration) {
	m.Advance(d)
	runtime.Gosched()
}
