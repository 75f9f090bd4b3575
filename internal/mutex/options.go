package mutex

import (
	"context"
	"time"

	"github.com/serroba/forum-coord/internal/clock"
	"github.com/serroba/forum-coord/internal/events"
	"github.com/serroba/forum-coord/internal/kvstore"
	"github.com/serroba/forum-coord/internal/metrics"
	"go.uber.org/zap"
)

// Option configures a Mutex.
type Option func(*Mutex)

// WithValidity sets the lease duration. Leases are stored in whole seconds
// and rounded up; non-positive values keep the default.
func WithValidity(d time.Duration) Option {
	return func(m *Mutex) {
		if d > 0 {
			m.validity = d
		}
	}
}

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Mutex) {
		if d > 0 {
			m.retryInterval = d
		}
	}
}

// WithReadOnlyGuard aborts acquisition with kvstore.ErrReadOnly once reporter
// has been read-only for more than attempts consecutive failed attempts.
// Without a guard, acquisition keeps retrying.
func WithReadOnlyGuard(reporter kvstore.ReadOnlyReporter, attempts int) Option {
	return func(m *Mutex) {
		m.readOnly = reporter
		if attempts > 0 {
			m.readOnlyAttempts = attempts
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Mutex) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Mutex) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mutex) {
		m.metrics = mt
	}
}

// WithOverrunPublisher publishes a LeaseOverrun event whenever a critical
// section outlives its lease. Publish failures are logged.
func WithOverrunPublisher(publish events.Publish[events.LeaseOverrun]) Option {
	return func(m *Mutex) {
		if publish == nil {
			return
		}

		m.overrun = func(ctx context.Context, event *events.LeaseOverrun) {
			events.BestEffort(publish, m.logger)(ctx, event)
		}
	}
}
