// Package memoizer caches the result of an expensive computation in a shared
// store so that, usually, only one process computes it per validity window.
//
// A short-lived advisory lock elects the computing process. Waiters give up on
// the lock after MaxWait and compute anyway, so callers must tolerate the
// occasional duplicate computation.
package memoizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaevor/go-nanoid"
	"github.com/serroba/forum-coord/internal/clock"
	"github.com/serroba/forum-coord/internal/kvstore"
	"github.com/serroba/forum-coord/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultDuration is how long a memoized value is kept when no duration is given.
	DefaultDuration = 24 * time.Hour
	// MaxWait bounds how long a caller waits for the advisory lock.
	MaxWait = 2 * time.Second

	keyPrefix     = "memoize_"
	lockKeyPrefix = "memoize_lock_"
	tokenLength   = 21
)

// CacheKey returns the store key holding the memoized value for key.
func CacheKey(key string) string {
	return keyPrefix + key
}

// LockKey returns the store key of the advisory lock for key.
func LockKey(key string) string {
	return lockKeyPrefix + key
}

// Memoizer memoizes computations across processes sharing a store.
type Memoizer struct {
	// mu serializes this process's lock attempts.
	mu sync.Mutex

	store         kvstore.Store
	codec         Codec
	newToken      func() string
	maxWait       time.Duration
	retryInterval time.Duration
	clock         clock.Clock
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// Option configures a Memoizer.
type Option func(*Memoizer)

// WithCodec sets the codec used by Memoize. JSONCodec is the default.
func WithCodec(codec Codec) Option {
	return func(m *Memoizer) {
		if codec != nil {
			m.codec = codec
		}
	}
}

// WithTokenGenerator sets the generator of advisory lock tokens.
func WithTokenGenerator(gen func() string) Option {
	return func(m *Memoizer) {
		if gen != nil {
			m.newToken = gen
		}
	}
}

// WithMaxWait overrides how long callers wait for the advisory lock.
func WithMaxWait(d time.Duration) Option {
	return func(m *Memoizer) {
		if d > 0 {
			m.maxWait = d
		}
	}
}

func WithRetryInterval(d time.Duration) Option {
	return func(m *Memoizer) {
		if d > 0 {
			m.retryInterval = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Memoizer) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Memoizer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Memoizer) {
		m.metrics = mt
	}
}

// New creates a memoizer backed by store.
func New(store kvstore.Store, opts ...Option) *Memoizer {
	generate, _ := nanoid.Standard(tokenLength)

	m := &Memoizer{
		store:         store,
		codec:         JSONCodec{},
		newToken:      generate,
		maxWait:       MaxWait,
		retryInterval: time.Millisecond,
		clock:         clock.Real{},
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Memoize returns the value cached for key, computing and caching it with fn
// when absent. A non-positive duration means DefaultDuration. Errors from fn
// are returned unchanged and nothing is cached.
func (m *Memoizer) Memoize(
	ctx context.Context, key string, duration time.Duration, fn func(ctx context.Context) (string, error),
) (string, error) {
	if duration <= 0 {
		duration = DefaultDuration
	}

	cacheKey := CacheKey(key)

	cached, found, err := m.lookup(ctx, cacheKey)
	if err != nil {
		return "", fmt.Errorf("memoize %q: %w", key, err)
	}

	if found {
		m.metrics.IncMemoHit()

		return cached, nil
	}

	m.metrics.IncMemoMiss()

	lockKey := LockKey(key)

	// The lock is deleted even when it was never obtained so the next caller
	// does not wait out a stale MaxWait.
	defer func() {
		if err := m.store.Del(context.WithoutCancel(ctx), lockKey); err != nil {
			m.logger.Warn("failed to delete memoize lock", zap.String("key", key), zap.Error(err))
		}
	}()

	if err := m.waitForLock(ctx, key, lockKey); err != nil {
		return "", err
	}

	cached, found, err = m.lookup(ctx, cacheKey)
	if err != nil {
		return "", fmt.Errorf("memoize %q: %w", key, err)
	}

	if found {
		m.metrics.IncMemoHit()

		return cached, nil
	}

	value, err := fn(ctx)
	if err != nil {
		return "", err
	}

	m.metrics.IncMemoComputed()

	if err := m.store.Set(ctx, cacheKey, value, duration); err != nil {
		m.logger.Warn("failed to cache memoized value", zap.String("key", key), zap.Error(err))
	}

	return value, nil
}

// Memoize is the typed form of Memoizer.Memoize; values pass through the memoizer's codec.
func Memoize[T any](
	ctx context.Context, m *Memoizer, key string, duration time.Duration, fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	raw, err := m.Memoize(ctx, key, duration, func(ctx context.Context) (string, error) {
		v, err := fn(ctx)
		if err != nil {
			return "", err
		}

		data, err := m.codec.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("memoize %q: encode: %w", key, err)
		}

		return string(data), nil
	})
	if err != nil {
		return zero, err
	}

	var v T
	if err := m.codec.Unmarshal([]byte(raw), &v); err != nil {
		return zero, fmt.Errorf("memoize %q: decode: %w", key, err)
	}

	return v, nil
}

// Flush deletes every memoized value and advisory lock.
func (m *Memoizer) Flush(ctx context.Context) error {
	keys, err := m.store.Scan(ctx, keyPrefix+"*")
	if err != nil {
		return err
	}

	return m.store.Del(ctx, keys...)
}

func (m *Memoizer) lookup(ctx context.Context, cacheKey string) (string, bool, error) {
	val, err := m.store.Get(ctx, cacheKey)

	switch {
	case err == nil:
		return val, true, nil
	case errors.Is(err, kvstore.ErrNotFound):
		return "", false, nil
	default:
		return "", false, err
	}
}

// waitForLock polls for the advisory lock until it is obtained or MaxWait
// elapses. Failing to get the lock is not an error; only ctx cancellation is.
func (m *Memoizer) waitForLock(ctx context.Context, key, lockKey string) error {
	deadline := m.clock.Now().Add(m.maxWait)

	for m.clock.Now().Before(deadline) {
		m.mu.Lock()
		got, err := m.tryLock(ctx, lockKey)
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("memoize lock attempt failed, computing without it",
				zap.String("key", key), zap.Error(err))

			return ctx.Err()
		}

		if got {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		m.clock.Sleep(m.retryInterval)
	}

	m.metrics.IncMemoLockTimeout()
	m.logger.Debug("memoize lock wait timed out", zap.String("key", key), zap.Duration("maxWait", m.maxWait))

	return nil
}

func (m *Memoizer) tryLock(ctx context.Context, lockKey string) (bool, error) {
	got := false

	err := m.store.Watch(ctx, func(tx kvstore.Tx) error {
		_, err := tx.Get(ctx, lockKey)
		if err == nil {
			return nil
		}

		if !errors.Is(err, kvstore.ErrNotFound) {
			return err
		}

		err = tx.Exec(ctx, func(w kvstore.Writer) {
			w.Set(lockKey, m.newToken(), m.maxWait)
		})
		if err != nil {
			return err
		}

		got = true

		return nil
	}, lockKey)

	if errors.Is(err, kvstore.ErrConflict) {
		return false, nil
	}

	return got, err
}
