package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/serroba/forum-coord/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockPublisher struct {
	mu         sync.Mutex
	messages   []*message.Message
	topic      string
	publishErr error
	closeErr   error
}

func (m *mockPublisher) Publish(topic string, msgs ...*message.Message) error {
	if m.publishErr != nil {
		return m.publishErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.topic = topic
	m.messages = append(m.messages, msgs...)

	return nil
}

func (m *mockPublisher) Close() error {
	return m.closeErr
}

type mockSubscriber struct {
	msgChan      chan *message.Message
	subscribeErr error
	mu           sync.Mutex
	closed       bool
}

func newMockSubscriber() *mockSubscriber {
	return &mockSubscriber{msgChan: make(chan *message.Message, 10)}
}

func (m *mockSubscriber) Subscribe(_ context.Context, _ string) (<-chan *message.Message, error) {
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}

	return m.msgChan, nil
}

func (m *mockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.msgChan)
	}

	return nil
}

func TestNewPublishFunc(t *testing.T) {
	t.Run("publishes json payload on topic", func(t *testing.T) {
		mock := &mockPublisher{}
		publish := events.NewPublishFunc[events.LimitExceeded](mock, events.TopicLimitExceeded)

		err := publish(context.Background(), &events.LimitExceeded{ActorID: "42", Type: "post-edit", WaitSeconds: 7})

		require.NoError(t, err)
		assert.Equal(t, events.TopicLimitExceeded, mock.topic)
		require.Len(t, mock.messages, 1)
		assert.Contains(t, string(mock.messages[0].Payload), `"type":"post-edit"`)
		assert.Equal(t, events.TopicLimitExceeded, mock.messages[0].Metadata.Get("topic"))
	})

	t.Run("returns publisher error", func(t *testing.T) {
		mock := &mockPublisher{publishErr: errors.New("publish error")}
		publish := events.NewPublishFunc[events.LeaseOverrun](mock, events.TopicLeaseOverrun)

		err := publish(context.Background(), &events.LeaseOverrun{Key: "k"})

		assert.Error(t, err)
	})
}

func TestBestEffort(t *testing.T) {
	t.Run("swallows publish errors", func(t *testing.T) {
		calls := 0
		publish := events.Publish[events.LeaseOverrun](func(context.Context, *events.LeaseOverrun) error {
			calls++

			return errors.New("broker down")
		})

		notify := events.BestEffort(publish, zap.NewNop())

		assert.NotPanics(t, func() { notify(context.Background(), &events.LeaseOverrun{}) })
		assert.Equal(t, 1, calls)
	})

	t.Run("nil publish is a no-op", func(t *testing.T) {
		notify := events.BestEffort[events.LimitExceeded](nil, nil)

		assert.NotPanics(t, func() { notify(context.Background(), &events.LimitExceeded{}) })
	})
}

func TestPublishers(t *testing.T) {
	t.Run("routes each event type to its topic", func(t *testing.T) {
		mock := &mockPublisher{}
		p := events.NewPublishers(mock)

		require.NoError(t, p.LeaseOverrun(context.Background(), &events.LeaseOverrun{Key: "k"}))
		assert.Equal(t, events.TopicLeaseOverrun, mock.topic)

		require.NoError(t, p.LimitExceeded(context.Background(), &events.LimitExceeded{Type: "t"}))
		assert.Equal(t, events.TopicLimitExceeded, mock.topic)
	})

	t.Run("shutdown closes publisher", func(t *testing.T) {
		p := events.NewPublishers(&mockPublisher{closeErr: errors.New("close error")})

		assert.Error(t, p.Shutdown())
	})
}

func TestConsumer(t *testing.T) {
	t.Run("acks handled events", func(t *testing.T) {
		sub := newMockSubscriber()

		received := make(chan *events.LeaseOverrun, 1)
		consumer := events.NewConsumer(sub, events.TopicLeaseOverrun,
			func(_ context.Context, event *events.LeaseOverrun) error {
				received <- event

				return nil
			}, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))
		assert.Equal(t, events.TopicLeaseOverrun, consumer.Topic())

		payload, _ := json.Marshal(&events.LeaseOverrun{Key: "resource-1", Overrun: time.Second})
		msg := message.NewMessage(uuid.NewString(), payload)
		sub.msgChan <- msg

		select {
		case <-msg.Acked():
			event := <-received
			assert.Equal(t, "resource-1", event.Key)
			assert.Equal(t, time.Second, event.Overrun)
		case <-msg.Nacked():
			t.Fatal("message was nacked")
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for ack")
		}

		require.NoError(t, consumer.Shutdown())
	})

	t.Run("nacks undecodable payload", func(t *testing.T) {
		sub := newMockSubscriber()
		consumer := events.NewConsumer(sub, "t",
			func(context.Context, *events.LimitExceeded) error { return nil }, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		msg := message.NewMessage(uuid.NewString(), []byte("not json"))
		sub.msgChan <- msg

		select {
		case <-msg.Nacked():
		case <-msg.Acked():
			t.Fatal("message should have been nacked")
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for nack")
		}

		require.NoError(t, consumer.Shutdown())
	})

	t.Run("nacks on handler error", func(t *testing.T) {
		sub := newMockSubscriber()
		consumer := events.NewConsumer(sub, "t",
			func(context.Context, *events.LimitExceeded) error { return errors.New("boom") }, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		msg := message.NewMessage(uuid.NewString(), []byte(`{"type":"x"}`))
		sub.msgChan <- msg

		select {
		case <-msg.Nacked():
		case <-msg.Acked():
			t.Fatal("message should have been nacked")
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for nack")
		}

		require.NoError(t, consumer.Shutdown())
	})

	t.Run("start fails when subscribe fails", func(t *testing.T) {
		sub := &mockSubscriber{subscribeErr: errors.New("subscribe error")}
		consumer := events.NewConsumer(sub, "t",
			func(context.Context, *events.LimitExceeded) error { return nil }, zap.NewNop())

		require.Error(t, consumer.Start(context.Background()))
		require.NoError(t, consumer.Shutdown())
	})

	t.Run("a second start is rejected", func(t *testing.T) {
		consumer := events.NewConsumer(newMockSubscriber(), "t",
			func(context.Context, *events.LimitExceeded) error { return nil }, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))

		assert.NotPanics(t, func() {
			assert.ErrorIs(t, consumer.Start(context.Background()), events.ErrConsumerStarted)
		})
		require.NoError(t, consumer.Shutdown())
	})

	t.Run("a second start after a failed subscribe is rejected", func(t *testing.T) {
		sub := &mockSubscriber{subscribeErr: errors.New("subscribe error")}
		consumer := events.NewConsumer(sub, "t",
			func(context.Context, *events.LimitExceeded) error { return nil }, zap.NewNop())

		require.Error(t, consumer.Start(context.Background()))

		assert.NotPanics(t, func() {
			assert.ErrorIs(t, consumer.Start(context.Background()), events.ErrConsumerStarted)
		})
		require.NoError(t, consumer.Shutdown())
	})

	t.Run("shutdown before start returns immediately", func(t *testing.T) {
		consumer := events.NewConsumer(newMockSubscriber(), "t",
			func(context.Context, *events.LimitExceeded) error { return nil }, zap.NewNop())

		assert.NoError(t, consumer.Shutdown())
	})
}

type mockRunnable struct {
	started     bool
	shutdown    bool
	startErr    error
	shutdownErr error
}

func (m *mockRunnable) Start(context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}

	m.started = true

	return nil
}

func (m *mockRunnable) Shutdown() error {
	m.shutdown = true

	return m.shutdownErr
}

func TestConsumerGroup(t *testing.T) {
	t.Run("rolls back started consumers on failure", func(t *testing.T) {
		group := events.NewConsumerGroup(newMockSubscriber(), zap.NewNop())
		first := &mockRunnable{}
		second := &mockRunnable{startErr: errors.New("start error")}

		group.Add(first)
		group.Add(second)

		require.Error(t, group.Start(context.Background()))
		assert.True(t, first.shutdown)
		assert.False(t, second.started)
	})

	t.Run("shutdown reports first error but stops all", func(t *testing.T) {
		group := events.NewConsumerGroup(newMockSubscriber(), zap.NewNop())
		first := &mockRunnable{shutdownErr: errors.New("shutdown error 1")}
		second := &mockRunnable{shutdownErr: errors.New("shutdown error 2")}

		group.Add(first)
		group.Add(second)
		require.NoError(t, group.Start(context.Background()))

		err := group.Shutdown()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "shutdown error 1")
		assert.True(t, second.shutdown)
	})
}

func TestLogSinkEndToEnd(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	publishers := events.NewPublishers(pubSub)
	group := events.NewConsumerGroup(pubSub, zap.NewNop())

	events.NewLogSink(zap.NewNop()).Register(group)

	require.NoError(t, group.Start(context.Background()))

	require.NoError(t, publishers.LimitExceeded(context.Background(), &events.LimitExceeded{
		ActorID: "42", Type: "post-edit", WaitSeconds: 3, OccurredAt: time.Now(),
	}))
	require.NoError(t, publishers.LeaseOverrun(context.Background(), &events.LeaseOverrun{
		Key: "resource-1", Validity: time.Minute, Overrun: 2 * time.Second, OccurredAt: time.Now(),
	}))

	require.NoError(t, group.Shutdown())
}
