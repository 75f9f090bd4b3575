package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serroba/forum-coord/internal/clock"
)

// Redis is a Redis implementation of Store. WATCH/MULTI/EXEC provide the
// optimistic transactions.
type Redis struct {
	client       *redis.Client
	clock        clock.Clock
	lastReadOnly atomic.Int64 // unix nanos of the last READONLY reply
}

// NewRedis creates a new Redis-backed store.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		clock:  clock.Real{},
	}
}

// Client returns the underlying Redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", r.observe(err)
	}

	return val, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.observe(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return r.observe(r.client.Del(ctx, keys...).Err())
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.observe(r.client.Expire(ctx, key, ttl).Err())
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, r.observe(err)
	}

	switch ttl {
	case -2:
		return 0, ErrNotFound
	case -1:
		return NoExpiry, nil
	}

	return ttl, nil
}

func (r *Redis) Time(ctx context.Context) (time.Time, error) {
	now, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, r.observe(err)
	}

	return now, nil
}

func (r *Redis) LPush(ctx context.Context, key, value string) error {
	return r.observe(r.client.LPush(ctx, key, value).Err())
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.observe(r.client.LTrim(ctx, key, start, stop).Err())
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()

	return n, r.observe(err)
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, r.observe(err)
	}

	return vals, nil
}

func (r *Redis) LIndex(ctx context.Context, key string, index int64) (string, error) {
	val, err := r.client.LIndex(ctx, key, index).Result()
	if err != nil {
		return "", r.observe(err)
	}

	return val, nil
}

func (r *Redis) LPop(ctx context.Context, key string) (string, error) {
	val, err := r.client.LPop(ctx, key).Result()
	if err != nil {
		return "", r.observe(err)
	}

	return val, nil
}

func (r *Redis) Scan(ctx context.Context, match string) ([]string, error) {
	var keys []string

	iter := r.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, r.observe(err)
	}

	return keys, nil
}

func (r *Redis) Watch(ctx context.Context, fn func(tx Tx) error, keys ...string) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		return fn(&redisTx{store: r, tx: tx})
	}, keys...)

	return r.observe(err)
}

func (r *Redis) Multi(ctx context.Context, fn func(w Writer)) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisWriter{ctx: ctx, pipe: pipe})

		return nil
	})

	return r.observe(err)
}

// RecentlyReadOnly reports whether Redis answered READONLY within the last 15 seconds.
func (r *Redis) RecentlyReadOnly() bool {
	last := r.lastReadOnly.Load()
	if last == 0 {
		return false
	}

	return r.clock.Now().Sub(time.Unix(0, last)) < readOnlyWindow
}

// Ping checks Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Shutdown closes the underlying client.
func (r *Redis) Shutdown() error {
	return r.client.Close()
}

// observe translates go-redis errors into store errors and records read-only replies.
func (r *Redis) observe(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrReadOnly):
		return err
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	case isReadOnly(err):
		r.lastReadOnly.Store(r.clock.Now().UnixNano())

		return fmt.Errorf("%w: %v", ErrReadOnly, err)
	}

	return err
}

func isReadOnly(err error) bool {
	var redisErr redis.Error
	if !errors.As(err, &redisErr) {
		return false
	}

	return strings.HasPrefix(redisErr.Error(), "READONLY")
}

type redisTx struct {
	store *Redis
	tx    *redis.Tx
}

func (t *redisTx) Get(ctx context.Context, key string) (string, error) {
	val, err := t.tx.Get(ctx, key).Result()
	if err != nil {
		return "", t.store.observe(err)
	}

	return val, nil
}

func (t *redisTx) Exec(ctx context.Context, fn func(w Writer)) error {
	_, err := t.tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisWriter{ctx: ctx, pipe: pipe})

		return nil
	})

	return t.store.observe(err)
}

type redisWriter struct {
	ctx  context.Context //nolint:containedctx // bound to a single pipeline callback
	pipe redis.Pipeliner
}

func (w *redisWriter) Set(key, value string, ttl time.Duration) {
	w.pipe.Set(w.ctx, key, value, ttl)
}

func (w *redisWriter) Del(key string) {
	w.pipe.Del(w.ctx, key)
}

func (w *redisWriter) Expire(key string, ttl time.Duration) {
	w.pipe.Expire(w.ctx, key, ttl)
}

func (w *redisWriter) LPush(key, value string) {
	w.pipe.LPush(w.ctx, key, value)
}

func (w *redisWriter) LTrim(key string, start, stop int64) {
	w.pipe.LTrim(w.ctx, key, start, stop)
}

// Compile-time checks.
var (
	_ Store            = (*Redis)(nil)
	_ ReadOnlyReporter = (*Redis)(nil)
)
