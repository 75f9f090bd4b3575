package container_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/samber/do"
	"github.com/serroba/forum-coord/internal/container"
	"github.com/serroba/forum-coord/internal/events"
	"github.com/serroba/forum-coord/internal/health"
	"github.com/serroba/forum-coord/internal/memoizer"
	"github.com/serroba/forum-coord/internal/mutex"
	"github.com/serroba/forum-coord/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInjector(t *testing.T, opts *container.Options) *do.Injector {
	t.Helper()

	injector := do.New()
	do.ProvideValue(injector, opts)
	container.LoggerPackage(injector)
	container.RedisPackage(injector)
	container.MetricsPackage(injector)
	container.EventsPackage(injector)
	container.CoordinationPackage(injector)
	container.ConsumerGroupPackage(injector)

	t.Cleanup(func() { _ = injector.Shutdown() })

	return injector
}

func defaultOptions(addr string) *container.Options {
	return &container.Options{
		RedisAddr:        addr,
		LogFormat:        "json",
		Environment:      "production",
		LockValidity:     30,
		ReadOnlyAttempts: 10,
		EventsBackend:    container.BackendMemory,
		ConsumerGroup:    "coord-events",
	}
}

func TestContainer(t *testing.T) {
	ctx := context.Background()

	t.Run("wires the coordination primitives to redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		injector := newInjector(t, defaultOptions(mr.Addr()))

		factory := do.MustInvoke[*mutex.Factory](injector)
		assert.Equal(t, 30*time.Second, factory.New("k").Validity())

		err := factory.Synchronize(ctx, "resource-1", func(context.Context) error {
			assert.True(t, mr.Exists("resource-1"))

			return nil
		})
		require.NoError(t, err)

		memo := do.MustInvoke[*memoizer.Memoizer](injector)
		v, err := memo.Memoize(ctx, "k", time.Minute, func(context.Context) (string, error) { return "v", nil })
		require.NoError(t, err)
		assert.Equal(t, "v", v)
		assert.True(t, mr.Exists("memoize_k"))

		report := do.MustInvoke[*health.Handler](injector).Check(ctx)
		assert.Equal(t, health.StatusOK, report.Status)
	})

	t.Run("rate limits are enforced outside the test environment", func(t *testing.T) {
		mr := miniredis.RunT(t)
		injector := newInjector(t, defaultOptions(mr.Addr()))

		limiters := do.MustInvoke[*ratelimit.Factory](injector)
		l := limiters.New(ratelimit.User{ID: "alice"}, "like", 1, time.Minute)

		require.NoError(t, l.Performed(ctx))

		var exceeded *ratelimit.LimitExceeded
		assert.ErrorAs(t, l.Performed(ctx), &exceeded)
	})

	t.Run("rate limits are off in the test environment", func(t *testing.T) {
		mr := miniredis.RunT(t)
		opts := defaultOptions(mr.Addr())
		opts.Environment = container.EnvironmentTest
		injector := newInjector(t, opts)

		assert.True(t, do.MustInvoke[*ratelimit.Switch](injector).Disabled())

		l := do.MustInvoke[*ratelimit.Factory](injector).New(ratelimit.User{ID: "alice"}, "like", 1, time.Minute)

		for range 5 {
			require.NoError(t, l.Performed(ctx))
		}
	})

	t.Run("builds the redis stream transport", func(t *testing.T) {
		mr := miniredis.RunT(t)
		opts := defaultOptions(mr.Addr())
		opts.EventsBackend = container.BackendRedis
		injector := newInjector(t, opts)

		assert.NotNil(t, do.MustInvoke[*events.Publishers](injector))
		assert.NotNil(t, do.MustInvoke[*events.ConsumerGroup](injector))
	})

	t.Run("rejects unknown settings", func(t *testing.T) {
		mr := miniredis.RunT(t)
		opts := defaultOptions(mr.Addr())
		opts.EventsBackend = "carrier-pigeon"
		injector := newInjector(t, opts)

		_, err := do.Invoke[*events.Publishers](injector)
		assert.ErrorContains(t, err, "carrier-pigeon")

		_, err = container.NewLogger("xml")
		assert.Error(t, err)
	})
}

func TestMemoryEventTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	injector := newInjector(t, defaultOptions(mr.Addr()))

	group := do.MustInvoke[*events.ConsumerGroup](injector)
	require.NoError(t, group.Start(ctx))

	publishers := do.MustInvoke[*events.Publishers](injector)
	err := publishers.LimitExceeded(ctx, &events.LimitExceeded{ActorID: "alice", Type: "like", WaitSeconds: 5})
	assert.NoError(t, err)
}
