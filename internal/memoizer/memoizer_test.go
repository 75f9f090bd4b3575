package memoizer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/serroba/forum-coord/internal/clock"
	"github.com/serroba/forum-coord/internal/kvstore"
	"github.com/serroba/forum-coord/internal/memoizer"
	"github.com/serroba/forum-coord/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func constant(v string, calls *atomic.Int32) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)

		return v, nil
	}
}

func TestMemoize(t *testing.T) {
	ctx := context.Background()

	t.Run("computes once and reuses the cached value", func(t *testing.T) {
		store := kvstore.NewMemory(nil)
		m := memoizer.New(store)

		var calls atomic.Int32

		first, err := m.Memoize(ctx, "top-posters", time.Minute, constant("alice,bob", &calls))
		require.NoError(t, err)

		second, err := m.Memoize(ctx, "top-posters", time.Minute, constant("ignored", &calls))
		require.NoError(t, err)

		assert.Equal(t, "alice,bob", first)
		assert.Equal(t, "alice,bob", second)
		assert.Equal(t, int32(1), calls.Load())

		_, err = store.Get(ctx, memoizer.LockKey("top-posters"))
		assert.ErrorIs(t, err, kvstore.ErrNotFound)
	})

	t.Run("concurrent memoizers observe one value", func(t *testing.T) {
		store := kvstore.NewMemory(nil)

		const callers = 10

		var (
			calls   atomic.Int32
			wg      sync.WaitGroup
			results = make([]string, callers)
		)

		for i := range callers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				// One memoizer per caller, as separate processes would have.
				m := memoizer.New(store)

				v, err := m.Memoize(ctx, "report", time.Minute, func(context.Context) (string, error) {
					calls.Add(1)
					time.Sleep(5 * time.Millisecond)

					return "42", nil
				})
				assert.NoError(t, err)

				results[i] = v
			}()
		}

		wg.Wait()

		for _, v := range results {
			assert.Equal(t, "42", v)
		}

		assert.GreaterOrEqual(t, calls.Load(), int32(1))
		assert.LessOrEqual(t, calls.Load(), int32(callers))
	})

	t.Run("computes without the lock after the maximum wait", func(t *testing.T) {
		c := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		store := kvstore.NewMemory(c)
		reg := metrics.NewRegistry()
		mt := metrics.New(reg)
		m := memoizer.New(store, memoizer.WithClock(c), memoizer.WithMetrics(mt))

		// Another process holds the lock and never finishes.
		require.NoError(t, store.Set(ctx, memoizer.LockKey("slow"), "other-token", 0))

		var calls atomic.Int32

		start := c.Now()
		v, err := m.Memoize(ctx, "slow", time.Minute, constant("done", &calls))

		require.NoError(t, err)
		assert.Equal(t, "done", v)
		assert.Equal(t, int32(1), calls.Load())
		assert.GreaterOrEqual(t, c.Now().Sub(start), memoizer.MaxWait)
		assert.InDelta(t, 1, testutil.ToFloat64(mt.MemoLockTimeout), 0)

		_, err = store.Get(ctx, memoizer.LockKey("slow"))
		assert.ErrorIs(t, err, kvstore.ErrNotFound)
	})

	t.Run("errors are propagated and nothing is cached", func(t *testing.T) {
		store := kvstore.NewMemory(nil)
		m := memoizer.New(store)
		boom := errors.New("boom")

		_, err := m.Memoize(ctx, "broken", time.Minute, func(context.Context) (string, error) {
			return "", boom
		})

		require.ErrorIs(t, err, boom)

		_, err = store.Get(ctx, memoizer.CacheKey("broken"))
		require.ErrorIs(t, err, kvstore.ErrNotFound)

		_, err = store.Get(ctx, memoizer.LockKey("broken"))
		assert.ErrorIs(t, err, kvstore.ErrNotFound)
	})

	t.Run("returns the value when the store rejects writes", func(t *testing.T) {
		store := kvstore.NewMemory(nil)
		store.SetReadOnly(true)

		core, logs := observer.New(zap.WarnLevel)
		m := memoizer.New(store, memoizer.WithLogger(zap.New(core)))

		var calls atomic.Int32

		v, err := m.Memoize(ctx, "k", time.Minute, constant("fresh", &calls))

		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
		assert.Equal(t, 1, logs.FilterMessage("failed to cache memoized value").Len())
	})

	t.Run("uses the default duration", func(t *testing.T) {
		store := kvstore.NewMemory(nil)
		m := memoizer.New(store)

		var calls atomic.Int32

		_, err := m.Memoize(ctx, "k", 0, constant("v", &calls))
		require.NoError(t, err)

		ttl, err := store.TTL(ctx, memoizer.CacheKey("k"))
		require.NoError(t, err)
		assert.InDelta(t, memoizer.DefaultDuration.Seconds(), ttl.Seconds(), 1)
	})

	t.Run("records hits and misses", func(t *testing.T) {
		mt := metrics.New(metrics.NewRegistry())
		m := memoizer.New(kvstore.NewMemory(nil), memoizer.WithMetrics(mt))

		var calls atomic.Int32

		for range 3 {
			_, err := m.Memoize(ctx, "k", time.Minute, constant("v", &calls))
			require.NoError(t, err)
		}

		assert.InDelta(t, 1, testutil.ToFloat64(mt.MemoMisses), 0)
		assert.InDelta(t, 2, testutil.ToFloat64(mt.MemoHits), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(mt.MemoComputed), 0)
	})
}

type leaderboard struct {
	Users  []string
	Totals map[string]int
}

func TestTypedMemoize(t *testing.T) {
	ctx := context.Background()
	want := leaderboard{Users: []string{"alice", "bob"}, Totals: map[string]int{"alice": 3, "bob": 1}}

	for name, codec := range map[string]memoizer.Codec{
		"json": memoizer.JSONCodec{},
		"gob":  memoizer.GobCodec{},
	} {
		t.Run(name, func(t *testing.T) {
			m := memoizer.New(kvstore.NewMemory(nil), memoizer.WithCodec(codec))
			computed := 0

			compute := func(context.Context) (leaderboard, error) {
				computed++

				return want, nil
			}

			first, err := memoizer.Memoize(ctx, m, "board", time.Minute, compute)
			require.NoError(t, err)

			second, err := memoizer.Memoize(ctx, m, "board", time.Minute, compute)
			require.NoError(t, err)

			assert.Equal(t, want, first)
			assert.Equal(t, want, second)
			assert.Equal(t, 1, computed)
		})
	}

	t.Run("undecodable cached value", func(t *testing.T) {
		store := kvstore.NewMemory(nil)
		require.NoError(t, store.Set(ctx, memoizer.CacheKey("board"), "not json", 0))

		m := memoizer.New(store)

		_, err := memoizer.Memoize(ctx, m, "board", time.Minute, func(context.Context) (leaderboard, error) {
			return want, nil
		})

		assert.ErrorContains(t, err, "decode")
	})
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory(nil)
	m := memoizer.New(store)

	var calls atomic.Int32

	_, err := m.Memoize(ctx, "a", time.Minute, constant("1", &calls))
	require.NoError(t, err)
	_, err = m.Memoize(ctx, "b", time.Minute, constant("2", &calls))
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "unrelated", "x", 0))

	require.NoError(t, m.Flush(ctx))

	keys, err := store.Scan(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"unrelated"}, keys)

	_, err = m.Memoize(ctx, "a", time.Minute, constant("1", &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMemoizeRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var tokens []string

	m := memoizer.New(kvstore.NewRedis(client), memoizer.WithTokenGenerator(func() string {
		tokens = append(tokens, "token")

		return "token"
	}))

	var calls atomic.Int32

	v, err := m.Memoize(ctx, "stats", 10*time.Minute, constant("100", &calls))
	require.NoError(t, err)
	assert.Equal(t, "100", v)

	cached, err := mr.Get("memoize_stats")
	require.NoError(t, err)
	assert.Equal(t, "100", cached)
	assert.Equal(t, 10*time.Minute, mr.TTL("memoize_stats"))
	assert.False(t, mr.Exists("memoize_lock_stats"))
	assert.Len(t, tokens, 1)

	mr.FastForward(11 * time.Minute)

	_, err = m.Memoize(ctx, "stats", 10*time.Minute, constant("101", &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	require.NoError(t, m.Flush(ctx))
	assert.False(t, mr.Exists("memoize_stats"))
}
