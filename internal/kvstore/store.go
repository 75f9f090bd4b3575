package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key or list element does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrConflict is returned when a watched key changed before the transaction committed.
	ErrConflict = errors.New("transaction aborted: watched key changed")
	// ErrReadOnly is returned when the store rejects writes because it is read-only.
	ErrReadOnly = errors.New("store is read-only")
)

// NoExpiry is returned by TTL for keys that exist without an expiry.
const NoExpiry time.Duration = -1

// readOnlyWindow is how long a read-only rejection keeps a store "recently read-only".
const readOnlyWindow = 15 * time.Second

// Writer queues writes inside a transaction. Writes are applied when the
// enclosing Exec or Multi commits.
type Writer interface {
	// Set stores value at key. A positive ttl sets an expiry (SETEX).
	Set(key, value string, ttl time.Duration)
	Del(key string)
	Expire(key string, ttl time.Duration)
	LPush(key, value string)
	LTrim(key string, start, stop int64)
}

// Tx is an optimistic transaction opened by Store.Watch.
type Tx interface {
	// Get reads a key while it is being watched.
	Get(ctx context.Context, key string) (string, error)
	// Exec commits the writes queued by fn atomically. It returns ErrConflict
	// if any watched key changed since the watch began.
	Exec(ctx context.Context, fn func(w Writer)) error
}

// Store is the shared key-value store the coordination primitives run against.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining time to live, NoExpiry for persistent keys
	// and ErrNotFound for missing ones.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Time returns the store-side clock, used instead of the local clock to
	// avoid skew between machines.
	Time(ctx context.Context) (time.Time, error)

	LPush(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LIndex(ctx context.Context, key string, index int64) (string, error)
	LPop(ctx context.Context, key string) (string, error)

	// Scan returns all keys matching the glob pattern.
	Scan(ctx context.Context, match string) ([]string, error)

	// Watch runs fn with the given keys watched. Returning from fn without
	// calling Tx.Exec discards the watch.
	Watch(ctx context.Context, fn func(tx Tx) error, keys ...string) error
	// Multi commits the writes queued by fn atomically without watching keys.
	Multi(ctx context.Context, fn func(w Writer)) error
}

// ReadOnlyReporter is implemented by stores that track read-only rejections.
type ReadOnlyReporter interface {
	// RecentlyReadOnly reports whether a write was rejected as read-only recently.
	RecentlyReadOnly() bool
}
