package ratelimit

import (
	"context"
	"time"

	"github.com/serroba/forum-coord/internal/clock"
	"github.com/serroba/forum-coord/internal/events"
	"github.com/serroba/forum-coord/internal/metrics"
	"go.uber.org/zap"
)

// Option configures a Limiter.
type Option func(*Limiter)

// WithErrorCode attaches a code to every LimitExceeded the limiter returns.
func WithErrorCode(code string) Option {
	return func(l *Limiter) {
		l.errorCode = code
	}
}

// WithApplyToStaff makes privileged actors subject to the regular limit.
func WithApplyToStaff() Option {
	return func(l *Limiter) {
		l.applyToStaff = true
	}
}

// WithStaffLimit gives privileged actors their own limit instead of none.
func WithStaffLimit(maxCount int, window time.Duration) Option {
	return func(l *Limiter) {
		l.staffLimit = &LimitConfig{Max: maxCount, Window: window}
	}
}

// WithSwitch lets sw suspend this limiter.
func WithSwitch(sw *Switch) Option {
	return func(l *Limiter) {
		l.sw = sw
	}
}

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = mt
	}
}

// WithExceededPublisher publishes a LimitExceeded event on every denial.
// Publish failures are logged.
func WithExceededPublisher(publish events.Publish[events.LimitExceeded]) Option {
	return func(l *Limiter) {
		if publish == nil {
			return
		}

		l.publish = func(ctx context.Context, event *events.LimitExceeded) {
			events.BestEffort(publish, l.logger)(ctx, event)
		}
	}
}
