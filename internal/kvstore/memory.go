package kvstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/serroba/forum-coord/internal/clock"
)

var errWrongType = errors.New("operation against a key holding the wrong kind of value")

type entry struct {
	str       string
	list      []string // newest first
	isList    bool
	expiresAt time.Time
}

// Memory is an in-memory implementation of Store. Watched keys are tracked by
// a per-key version that every write bumps; expiry is driven by the injected clock.
type Memory struct {
	mu           sync.Mutex
	clock        clock.Clock
	data         map[string]*entry
	versions     map[string]uint64
	seq          uint64
	readOnly     bool
	lastReadOnly time.Time
}

// NewMemory creates a new in-memory store. A nil clock uses the real clock.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}

	return &Memory{
		clock:    c,
		data:     make(map[string]*entry),
		versions: make(map[string]uint64),
	}
}

// SetReadOnly makes every subsequent write fail with ErrReadOnly until reset.
func (m *Memory) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readOnly = readOnly
}

// RecentlyReadOnly reports whether a write was rejected within the last 15 seconds.
func (m *Memory) RecentlyReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReadOnly.IsZero() {
		return false
	}

	return m.clock.Now().Sub(m.lastReadOnly) < readOnlyWindow
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getLocked(key)
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritableLocked(); err != nil {
		return err
	}

	m.setLocked(key, value, ttl)

	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritableLocked(); err != nil {
		return err
	}

	for _, key := range keys {
		m.delLocked(key)
	}

	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritableLocked(); err != nil {
		return err
	}

	m.expireLocked(key, ttl)

	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveLocked(key)
	if e == nil {
		return 0, ErrNotFound
	}

	if e.expiresAt.IsZero() {
		return NoExpiry, nil
	}

	return e.expiresAt.Sub(m.clock.Now()), nil
}

func (m *Memory) Time(_ context.Context) (time.Time, error) {
	return m.clock.Now(), nil
}

func (m *Memory) LPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritableLocked(); err != nil {
		return err
	}

	return m.lpushLocked(key, value)
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritableLocked(); err != nil {
		return err
	}

	return m.ltrimLocked(key, start, stop)
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.listLocked(key)
	if err != nil {
		return 0, err
	}

	return int64(len(list)), nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.listLocked(key)
	if err != nil {
		return nil, err
	}

	from, to, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		return []string{}, nil
	}

	out := make([]string, to-from+1)
	copy(out, list[from:to+1])

	return out, nil
}

func (m *Memory) LIndex(_ context.Context, key string, index int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.listLocked(key)
	if err != nil {
		return "", err
	}

	n := int64(len(list))
	if index < 0 {
		index += n
	}

	if index < 0 || index >= n {
		return "", ErrNotFound
	}

	return list[index], nil
}

func (m *Memory) LPop(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritableLocked(); err != nil {
		return "", err
	}

	e := m.liveLocked(key)
	if e == nil {
		return "", ErrNotFound
	}

	if !e.isList {
		return "", errWrongType
	}

	head := e.list[0]
	e.list = e.list[1:]

	if len(e.list) == 0 {
		delete(m.data, key)
	}

	m.bumpLocked(key)

	return head, nil
}

func (m *Memory) Scan(_ context.Context, match string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))

	for key := range m.data {
		if m.liveLocked(key) == nil {
			continue
		}

		if matchGlob(match, key) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

func (m *Memory) Watch(_ context.Context, fn func(tx Tx) error, keys ...string) error {
	m.mu.Lock()
	watched := make(map[string]uint64, len(keys))

	for _, key := range keys {
		m.liveLocked(key)
		watched[key] = m.versions[key]
	}
	m.mu.Unlock()

	return fn(&memoryTx{store: m, watched: watched})
}

func (m *Memory) Multi(_ context.Context, fn func(w Writer)) error {
	w := &memoryWriter{}
	fn(w)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.commitLocked(w)
}

func (m *Memory) commitLocked(w *memoryWriter) error {
	if len(w.ops) == 0 {
		return nil
	}

	if err := m.checkWritableLocked(); err != nil {
		return err
	}

	for _, op := range w.ops {
		op(m)
	}

	return nil
}

func (m *Memory) checkWritableLocked() error {
	if !m.readOnly {
		return nil
	}

	m.lastReadOnly = m.clock.Now()

	return ErrReadOnly
}

// liveLocked returns the entry for key, evicting it first if it has expired.
func (m *Memory) liveLocked(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}

	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.data, key)
		m.bumpLocked(key)

		return nil
	}

	return e
}

func (m *Memory) bumpLocked(key string) {
	m.seq++
	m.versions[key] = m.seq
}

func (m *Memory) getLocked(key string) (string, error) {
	e := m.liveLocked(key)
	if e == nil {
		return "", ErrNotFound
	}

	if e.isList {
		return "", errWrongType
	}

	return e.str, nil
}

func (m *Memory) listLocked(key string) ([]string, error) {
	e := m.liveLocked(key)
	if e == nil {
		return nil, nil
	}

	if !e.isList {
		return nil, errWrongType
	}

	return e.list, nil
}

func (m *Memory) setLocked(key, value string, ttl time.Duration) {
	e := &entry{str: value}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}

	m.data[key] = e
	m.bumpLocked(key)
}

func (m *Memory) delLocked(key string) {
	if m.liveLocked(key) == nil {
		return
	}

	delete(m.data, key)
	m.bumpLocked(key)
}

func (m *Memory) expireLocked(key string, ttl time.Duration) {
	e := m.liveLocked(key)
	if e == nil {
		return
	}

	if ttl <= 0 {
		delete(m.data, key)
	} else {
		e.expiresAt = m.clock.Now().Add(ttl)
	}

	m.bumpLocked(key)
}

func (m *Memory) lpushLocked(key, value string) error {
	e := m.liveLocked(key)
	if e == nil {
		e = &entry{isList: true}
		m.data[key] = e
	}

	if !e.isList {
		return errWrongType
	}

	e.list = append([]string{value}, e.list...)
	m.bumpLocked(key)

	return nil
}

func (m *Memory) ltrimLocked(key string, start, stop int64) error {
	e := m.liveLocked(key)
	if e == nil {
		return nil
	}

	if !e.isList {
		return errWrongType
	}

	from, to, ok := normalizeRange(start, stop, int64(len(e.list)))
	if !ok {
		delete(m.data, key)
	} else {
		e.list = append([]string(nil), e.list[from:to+1]...)
	}

	m.bumpLocked(key)

	return nil
}

// normalizeRange applies Redis list index semantics to an inclusive range.
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}

	if stop < 0 {
		stop += n
	}

	if start < 0 {
		start = 0
	}

	if stop >= n {
		stop = n - 1
	}

	if start > stop || start >= n {
		return 0, 0, false
	}

	return start, stop, true
}

type memoryTx struct {
	store   *Memory
	watched map[string]uint64
}

func (t *memoryTx) Get(ctx context.Context, key string) (string, error) {
	return t.store.Get(ctx, key)
}

func (t *memoryTx) Exec(_ context.Context, fn func(w Writer)) error {
	w := &memoryWriter{}
	fn(w)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for key, version := range t.watched {
		if t.store.versions[key] != version {
			return ErrConflict
		}
	}

	return t.store.commitLocked(w)
}

type memoryWriter struct {
	ops []func(m *Memory)
}

func (w *memoryWriter) Set(key, value string, ttl time.Duration) {
	w.ops = append(w.ops, func(m *Memory) { m.setLocked(key, value, ttl) })
}

func (w *memoryWriter) Del(key string) {
	w.ops = append(w.ops, func(m *Memory) { m.delLocked(key) })
}

func (w *memoryWriter) Expire(key string, ttl time.Duration) {
	w.ops = append(w.ops, func(m *Memory) { m.expireLocked(key, ttl) })
}

func (w *memoryWriter) LPush(key, value string) {
	w.ops = append(w.ops, func(m *Memory) { _ = m.lpushLocked(key, value) })
}

func (w *memoryWriter) LTrim(key string, start, stop int64) {
	w.ops = append(w.ops, func(m *Memory) { _ = m.ltrimLocked(key, start, stop) })
}

// Compile-time checks.
var (
	_ Store            = (*Memory)(nil)
	_ ReadOnlyReporter = (*Memory)(nil)
)
