// Package ratelimit bounds how often an actor may perform an action within a
// trailing window. Each limiter keeps a newest-first list of occurrence
// timestamps in the shared store, trimmed to the limit after every insert.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/serroba/forum-coord/internal/clock"
	"github.com/serroba/forum-coord/internal/events"
	"github.com/serroba/forum-coord/internal/kvstore"
	"github.com/serroba/forum-coord/internal/metrics"
	"go.uber.org/zap"
)

// KeyPrefix prefixes every limiter key in the store.
const KeyPrefix = "l-rate-limit::"

// Key returns the store key for actorID performing actionType.
func Key(actorID, actionType string) string {
	return KeyPrefix + actorID + ":" + actionType
}

// Limiter limits one action type for one actor.
type Limiter struct {
	store      kvstore.Store
	actor      Actor
	actionType string
	key        string
	max        int
	window     time.Duration

	errorCode    string
	applyToStaff bool
	staffLimit   *LimitConfig

	sw      *Switch
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	publish func(ctx context.Context, event *events.LimitExceeded)
}

// New creates a limiter allowing max occurrences of actionType by actor per
// window. A nil actor shares one global limit among all callers. A max of zero
// or less denies every action.
func New(store kvstore.Store, actor Actor, actionType string, maxCount int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		actor:      actor,
		actionType: actionType,
		key:        Key(actorID(actor), actionType),
		max:        maxCount,
		window:     window,
		clock:      clock.Real{},
		logger:     zap.NewNop(),
		publish:    func(context.Context, *events.LimitExceeded) {},
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.privileged() && !l.applyToStaff && l.staffLimit != nil {
		l.max = l.staffLimit.Max
		l.window = l.staffLimit.Window
	}

	l.logger = l.logger.With(zap.String("limiter", l.key))

	return l
}

// Key returns the store key backing this limiter.
func (l *Limiter) Key() string {
	return l.key
}

// Max returns the effective limit after staff overrides.
func (l *Limiter) Max() int {
	return l.max
}

// Window returns the effective window after staff overrides.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// CanPerform reports whether one more occurrence would be allowed now.
func (l *Limiter) CanPerform(ctx context.Context) (bool, error) {
	if l.unlimited() {
		return true, nil
	}

	return l.underLimit(ctx, l.now())
}

// Performed records one occurrence, or returns *LimitExceeded without
// recording anything when the limit has been reached.
func (l *Limiter) Performed(ctx context.Context) error {
	if l.unlimited() {
		return nil
	}

	now := l.now()

	ok, err := l.underLimit(ctx, now)
	if err != nil {
		return err
	}

	if !ok {
		return l.exceeded(ctx, now)
	}

	err = l.store.Multi(ctx, func(w kvstore.Writer) {
		w.LPush(l.key, strconv.FormatInt(now, 10))
		w.LTrim(l.key, 0, int64(l.max-1))
		w.Expire(l.key, 2*l.window)
	})
	if err != nil {
		return err
	}

	l.metrics.IncRateAllowed(l.actionType)

	return nil
}

// TryPerform is Performed for callers that only care whether the action was allowed.
// Store failures are logged and reported as not allowed.
func (l *Limiter) TryPerform(ctx context.Context) bool {
	err := l.Performed(ctx)
	if err == nil {
		return true
	}

	var exceeded *LimitExceeded
	if !errors.As(err, &exceeded) {
		l.logger.Warn("rate limiter store failure", zap.Error(err))
	}

	return false
}

// Rollback forgets the most recent occurrence, undoing a Performed whose
// action later failed.
func (l *Limiter) Rollback(ctx context.Context) error {
	if l.unlimited() {
		return nil
	}

	_, err := l.store.LPop(ctx, l.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}

	return err
}

// Remaining returns how many more occurrences fit in the current window.
func (l *Limiter) Remaining(ctx context.Context) (int, error) {
	if l.unlimited() {
		return l.max, nil
	}

	if l.max <= 0 {
		return 0, nil
	}

	entries, err := l.store.LRange(ctx, l.key, 0, int64(l.max))
	if err != nil {
		return 0, err
	}

	now := l.now()
	fresh := 0

	for _, entry := range entries {
		if now-parseTimestamp(entry) < l.windowSeconds() {
			fresh++
		}
	}

	return max(l.max-fresh, 0), nil
}

// Clear deletes every recorded occurrence.
func (l *Limiter) Clear(ctx context.Context) error {
	return l.store.Del(ctx, l.key)
}

// SecondsToWait returns how long until the oldest recorded occurrence leaves
// the window. It is zero when nothing needs to expire.
func (l *Limiter) SecondsToWait(ctx context.Context) (int64, error) {
	return l.secondsToWait(ctx, l.now())
}

// ClearAll deletes the state of every limiter in store.
func ClearAll(ctx context.Context, store kvstore.Store) error {
	keys, err := store.Scan(ctx, KeyPrefix+"*")
	if err != nil {
		return err
	}

	return store.Del(ctx, keys...)
}

func (l *Limiter) underLimit(ctx context.Context, now int64) (bool, error) {
	if l.max <= 0 {
		return false, nil
	}

	n, err := l.store.LLen(ctx, l.key)
	if err != nil {
		return false, err
	}

	if n < int64(l.max) {
		return true, nil
	}

	oldest, err := l.oldest(ctx)
	if err != nil {
		return false, err
	}

	return now-oldest >= l.windowSeconds(), nil
}

func (l *Limiter) secondsToWait(ctx context.Context, now int64) (int64, error) {
	if l.max <= 0 {
		return l.windowSeconds(), nil
	}

	oldest, err := l.oldest(ctx)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return max(l.windowSeconds()-(now-oldest), 0), nil
}

func (l *Limiter) exceeded(ctx context.Context, now int64) error {
	wait, err := l.secondsToWait(ctx, now)
	if err != nil {
		return err
	}

	l.metrics.IncRateDenied(l.actionType)
	l.logger.Debug("rate limit exceeded", zap.Int64("waitSeconds", wait))
	l.publish(ctx, &events.LimitExceeded{
		ActorID:     actorID(l.actor),
		Type:        l.actionType,
		ErrorCode:   l.errorCode,
		WaitSeconds: wait,
		OccurredAt:  time.Unix(now, 0).UTC(),
	})

	return &LimitExceeded{
		Type:        l.actionType,
		WaitSeconds: wait,
		ErrorCode:   l.errorCode,
	}
}

// oldest returns the timestamp of the oldest occurrence still in the list.
func (l *Limiter) oldest(ctx context.Context) (int64, error) {
	raw, err := l.store.LIndex(ctx, l.key, -1)
	if err != nil {
		return 0, err
	}

	return parseTimestamp(raw), nil
}

func (l *Limiter) unlimited() bool {
	if l.sw.Disabled() {
		return true
	}

	return l.privileged() && !l.applyToStaff && l.staffLimit == nil
}

func (l *Limiter) privileged() bool {
	return l.actor != nil && l.actor.Privileged()
}

func (l *Limiter) now() int64 {
	return l.clock.Now().Unix()
}

// windowSeconds rounds the window up to whole store-clock seconds, minimum 1.
func (l *Limiter) windowSeconds() int64 {
	secs := int64(math.Ceil(l.window.Seconds()))
	if secs < 1 {
		return 1
	}

	return secs
}

func actorID(actor Actor) string {
	if actor == nil {
		return ""
	}

	return actor.ActorID()
}

// parseTimestamp treats corrupt entries as infinitely old.
func parseTimestamp(raw string) int64 {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}

	return ts
}
