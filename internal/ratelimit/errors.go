package ratelimit

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize/english"
)

// LimitExceeded is returned when an action would go over its limit.
type LimitExceeded struct {
	// Type is the limited action type.
	Type string
	// WaitSeconds is how long the caller should wait before retrying.
	WaitSeconds int64
	// ErrorCode is an optional machine readable code for API responses.
	ErrorCode string
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry in %d seconds", e.Type, e.WaitSeconds)
}

// RetryAfter returns the wait time as a duration.
func (e *LimitExceeded) RetryAfter() time.Duration {
	return time.Duration(e.WaitSeconds) * time.Second
}

// TimeLeft renders the wait time for humans, e.g. "a few seconds" or "5 minutes".
func (e *LimitExceeded) TimeLeft() string {
	switch w := e.WaitSeconds; {
	case w <= 3:
		return "a few seconds"
	case w < 60:
		return english.Plural(int(w), "second", "")
	case w < 3600:
		return english.Plural(int(w/60), "minute", "")
	default:
		return english.Plural(int(w/3600), "hour", "")
	}
}

// Description is a user-facing explanation of the denial.
func (e *LimitExceeded) Description() string {
	return "You've performed this action too many times. Please wait " + e.TimeLeft() + " before trying again."
}
