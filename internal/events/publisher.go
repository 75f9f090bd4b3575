package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Publish publishes a typed event.
type Publish[T any] func(ctx context.Context, event *T) error

// NewPublishFunc creates a typed publish function for a specific topic.
func NewPublishFunc[T any](publisher message.Publisher, topic string) Publish[T] {
	return func(ctx context.Context, event *T) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}

		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.SetContext(ctx)
		msg.Metadata.Set("topic", topic)

		return publisher.Publish(topic, msg)
	}
}

// BestEffort wraps publish so failures are logged instead of returned.
// Coordination primitives use it so a broken event stream never fails a lock or limit check.
func BestEffort[T any](publish Publish[T], logger *zap.Logger) func(ctx context.Context, event *T) {
	if publish == nil {
		return func(context.Context, *T) {}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context, event *T) {
		if err := publish(ctx, event); err != nil {
			logger.Warn("failed to publish coordination event", zap.Error(err))
		}
	}
}

// Publishers holds the typed publish functions for every coordination topic
// and owns the underlying publisher lifecycle.
type Publishers struct {
	publisher     message.Publisher
	LimitExceeded Publish[LimitExceeded]
	LeaseOverrun  Publish[LeaseOverrun]
}

// NewPublishers creates publish functions for all topics on publisher.
func NewPublishers(publisher message.Publisher) *Publishers {
	return &Publishers{
		publisher:     publisher,
		LimitExceeded: NewPublishFunc[LimitExceeded](publisher, TopicLimitExceeded),
		LeaseOverrun:  NewPublishFunc[LeaseOverrun](publisher, TopicLeaseOverrun),
	}
}

// Shutdown closes the underlying publisher.
func (p *Publishers) Shutdown() error {
	return p.publisher.Close()
}
