package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes received coordination events to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) LimitExceeded(_ context.Context, event *LimitExceeded) error {
	s.logger.Info("rate limit exceeded",
		zap.String("actorId", event.ActorID),
		zap.String("type", event.Type),
		zap.String("errorCode", event.ErrorCode),
		zap.Int64("waitSeconds", event.WaitSeconds),
		zap.Time("occurredAt", event.OccurredAt),
	)

	return nil
}

func (s *LogSink) LeaseOverrun(_ context.Context, event *LeaseOverrun) error {
	s.logger.Warn("mutex lease overrun",
		zap.String("key", event.Key),
		zap.Duration("validity", event.Validity),
		zap.Duration("overrun", event.Overrun),
		zap.Time("occurredAt", event.OccurredAt),
	)

	return nil
}

// Register adds a consumer for every coordination topic to group, all feeding this sink.
func (s *LogSink) Register(group *ConsumerGroup) {
	group.Add(NewConsumer(group.Subscriber(), TopicLimitExceeded, s.LimitExceeded, s.logger))
	group.Add(NewConsumer(group.Subscriber(), TopicLeaseOverrun, s.LeaseOverrun, s.logger))
}
