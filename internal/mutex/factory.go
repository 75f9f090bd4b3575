package mutex

import (
	"context"

	"github.com/serroba/forum-coord/internal/kvstore"
)

// Factory builds mutexes on the process-wide shared store with common
// defaults. Mutexes built by a Factory whose store reports read-only state
// give up after a bounded number of attempts instead of spinning.
type Factory struct {
	store    kvstore.Store
	defaults []Option
}

// NewFactory creates a factory for store. If store implements
// kvstore.ReadOnlyReporter, the read-only guard is enabled with
// DefaultReadOnlyAttempts unless defaults override it.
func NewFactory(store kvstore.Store, defaults ...Option) *Factory {
	opts := make([]Option, 0, len(defaults)+1)

	if reporter, ok := store.(kvstore.ReadOnlyReporter); ok {
		opts = append(opts, WithReadOnlyGuard(reporter, DefaultReadOnlyAttempts))
	}

	return &Factory{
		store:    store,
		defaults: append(opts, defaults...),
	}
}

// New creates a mutex for key; opts are applied after the factory defaults.
func (f *Factory) New(key string, opts ...Option) *Mutex {
	all := make([]Option, 0, len(f.defaults)+len(opts))
	all = append(all, f.defaults...)
	all = append(all, opts...)

	return New(f.store, key, all...)
}

// Synchronize runs fn while holding the lock for key.
func (f *Factory) Synchronize(ctx context.Context, key string, fn func(ctx context.Context) error, opts ...Option) error {
	return f.New(key, opts...).Synchronize(ctx, fn)
}

// Release force-deletes the lock record for key regardless of its holder.
// It is an operator escape hatch for stale records and bypasses the lease check.
func (f *Factory) Release(ctx context.Context, key string) error {
	return f.store.Del(ctx, key)
}
