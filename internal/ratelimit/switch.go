package ratelimit

import "sync/atomic"

// Switch turns rate limiting off and on for every limiter sharing it.
// A nil Switch is always enabled.
type Switch struct {
	disabled atomic.Bool
}

// NewSwitch creates a switch in the given state.
func NewSwitch(disabled bool) *Switch {
	s := &Switch{}
	s.disabled.Store(disabled)

	return s
}

func (s *Switch) Disable() {
	s.disabled.Store(true)
}

func (s *Switch) Enable() {
	s.disabled.Store(false)
}

// Disabled reports whether limiting is suspended.
func (s *Switch) Disabled() bool {
	return s != nil && s.disabled.Load()
}
