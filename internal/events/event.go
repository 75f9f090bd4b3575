package events

import "time"

const (
	// TopicLimitExceeded carries LimitExceeded events.
	TopicLimitExceeded = "coord.ratelimit.exceeded"
	// TopicLeaseOverrun carries LeaseOverrun events.
	TopicLeaseOverrun = "coord.mutex.overrun"
)

// LimitExceeded is emitted when a rate limiter denies an action.
type LimitExceeded struct {
	ActorID     string    `json:"actorId"`
	Type        string    `json:"type"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	WaitSeconds int64     `json:"waitSeconds"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// LeaseOverrun is emitted when a critical section outlives its mutex lease.
type LeaseOverrun struct {
	Key        string        `json:"key"`
	Validity   time.Duration `json:"validity"`
	Overrun    time.Duration `json:"overrun"`
	OccurredAt time.Time     `json:"occurredAt"`
}
