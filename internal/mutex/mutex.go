// Package mutex provides a lease-based mutual exclusion lock shared between
// processes through a kvstore.Store.
//
// The lock record holds the store-clock second at which the lease expires. An
// acquirer may overwrite a record whose expiry has passed, so a crashed holder
// blocks others for at most the lease validity.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/serroba/forum-coord/internal/clock"
	"github.com/serroba/forum-coord/internal/events"
	"github.com/serroba/forum-coord/internal/kvstore"
	"github.com/serroba/forum-coord/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultValidity is the lease duration used when none is configured.
	DefaultValidity = 60 * time.Second
	// DefaultRetryInterval is the pause between two acquisition attempts.
	DefaultRetryInterval = time.Millisecond
	// DefaultReadOnlyAttempts bounds acquisition while the store is read-only.
	DefaultReadOnlyAttempts = 10
)

// Mutex is a distributed lock for one key. Calls on the same Mutex are
// serialized locally; calls on different instances coordinate through the store.
type Mutex struct {
	mu    sync.Mutex
	store kvstore.Store
	key   string

	validity         time.Duration
	retryInterval    time.Duration
	readOnly         kvstore.ReadOnlyReporter
	readOnlyAttempts int

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	overrun func(ctx context.Context, event *events.LeaseOverrun)
}

// New creates a mutex for key backed by store.
func New(store kvstore.Store, key string, opts ...Option) *Mutex {
	m := &Mutex{
		store:            store,
		key:              key,
		validity:         DefaultValidity,
		retryInterval:    DefaultRetryInterval,
		readOnlyAttempts: DefaultReadOnlyAttempts,
		clock:            clock.Real{},
		logger:           zap.NewNop(),
		overrun:          func(context.Context, *events.LeaseOverrun) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.With(zap.String("mutex", m.key))

	return m
}

// Key returns the store key guarded by this mutex.
func (m *Mutex) Key() string {
	return m.key
}

// Validity returns the lease duration.
func (m *Mutex) Validity() time.Duration {
	return m.validity
}

// Synchronize acquires the lock, runs fn and releases the lock, even if fn
// fails or panics. It blocks until the lock is acquired, ctx is done, or the
// store has been read-only for the configured number of attempts.
func (m *Mutex) Synchronize(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expireAt, err := m.acquire(ctx)
	if err != nil {
		return err
	}

	defer m.release(context.WithoutCancel(ctx), expireAt)

	return fn(ctx)
}

// Do runs fn under m and returns its result.
func Do[T any](ctx context.Context, m *Mutex, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := m.Synchronize(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)

		return err
	})

	return result, err
}

func (m *Mutex) acquire(ctx context.Context) (int64, error) {
	readOnlyAttempts := 0

	for {
		acquired, expireAt, err := m.tryLock(ctx)
		if err != nil && !errors.Is(err, kvstore.ErrReadOnly) {
			return 0, fmt.Errorf("mutex %q: %w", m.key, err)
		}

		if acquired {
			m.metrics.IncLockAcquired()

			return expireAt, nil
		}

		m.metrics.IncLockContended()

		// A read-only store can never grant the lock.
		if m.readOnly != nil && m.readOnly.RecentlyReadOnly() {
			readOnlyAttempts++
			if readOnlyAttempts > m.readOnlyAttempts {
				return 0, fmt.Errorf("mutex %q: %w", m.key, kvstore.ErrReadOnly)
			}
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}

		m.clock.Sleep(m.retryInterval)
	}
}

// tryLock makes a single acquisition attempt and returns the lease expiry it tried to write.
func (m *Mutex) tryLock(ctx context.Context) (bool, int64, error) {
	now, err := m.storeNow(ctx)
	if err != nil {
		return false, 0, err
	}

	expireAt := now + m.validitySeconds()
	acquired := false

	err = m.store.Watch(ctx, func(tx kvstore.Tx) error {
		current, err := tx.Get(ctx, m.key)

		switch {
		case errors.Is(err, kvstore.ErrNotFound):
		case err != nil:
			return err
		case parseExpiry(current) > now:
			return nil
		}

		err = tx.Exec(ctx, func(w kvstore.Writer) {
			w.Set(m.key, strconv.FormatInt(expireAt, 10), time.Duration(m.validitySeconds())*time.Second)
		})
		if err != nil {
			return err
		}

		acquired = true

		return nil
	}, m.key)

	if errors.Is(err, kvstore.ErrConflict) {
		return false, expireAt, nil
	}

	return acquired, expireAt, err
}

func (m *Mutex) release(ctx context.Context, expireAt int64) {
	now, nowErr := m.storeNow(ctx)

	overran := nowErr == nil && now > expireAt
	if overran {
		overrun := time.Duration(now-expireAt) * time.Second

		m.metrics.IncLockOverrun()
		m.logger.Warn("held for too long",
			zap.Duration("validity", m.validity),
			zap.Duration("overrun", overrun),
		)
		m.overrun(ctx, &events.LeaseOverrun{
			Key:        m.key,
			Validity:   m.validity,
			Overrun:    overrun,
			OccurredAt: time.Unix(now, 0).UTC(),
		})
	}

	unlocked, err := m.unlock(ctx, expireAt)

	switch {
	case err != nil:
		m.metrics.IncUnlockAnomaly()
		m.logger.Warn("didn't unlock cleanly", zap.Error(err))
	case !unlocked && !overran:
		m.metrics.IncUnlockAnomaly()
		m.logger.Warn("lock record was changed before its lease expired")
	}
}

// unlock deletes the lock record if it still holds the expiry this holder wrote.
func (m *Mutex) unlock(ctx context.Context, expireAt int64) (bool, error) {
	unlocked := false
	want := strconv.FormatInt(expireAt, 10)

	err := m.store.Watch(ctx, func(tx kvstore.Tx) error {
		current, err := tx.Get(ctx, m.key)
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if current != want {
			return nil
		}

		if err := tx.Exec(ctx, func(w kvstore.Writer) { w.Del(m.key) }); err != nil {
			return err
		}

		unlocked = true

		return nil
	}, m.key)

	return unlocked, err
}

func (m *Mutex) storeNow(ctx context.Context) (int64, error) {
	now, err := m.store.Time(ctx)
	if err != nil {
		return 0, err
	}

	return now.Unix(), nil
}

// validitySeconds rounds the lease up to whole store-clock seconds.
func (m *Mutex) validitySeconds() int64 {
	secs := int64(math.Ceil(m.validity.Seconds()))
	if secs < 1 {
		return 1
	}

	return secs
}

// parseExpiry reads a stored expiry; unreadable records count as expired.
func parseExpiry(value string) int64 {
	expireAt, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}

	return expireAt
}
