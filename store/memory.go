package store

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryKV is an in-memory KV with the same semantics as the redis
// implementation: lazily-expired TTLs, sets, lists, and in-process
// pub/sub. It backs the test suites and single-node deployments that run
// without redis.
type MemoryKV struct {
	mu      sync.RWMutex
	strings map[string]memoryEntry
	sets    map[string]map[string]struct{}
	lists   map[string][]string

	subMu sync.Mutex
	subs  map[*memorySubscription]struct{}

	now func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		strings: make(map[string]memoryEntry),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		subs:    make(map[*memorySubscription]struct{}),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests use this to exercise TTL
// expiry without sleeping.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryKV) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

// Get retrieves a string value.
func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e) {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set stores a string value with an optional TTL.
func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.strings[key] = e
	return nil
}

// Del removes keys of any kind.
func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.sets, key)
		delete(m.lists, key)
	}
	return nil
}

// Exists reports whether the key is present in any keyspace.
func (m *MemoryKV) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.strings[key]; ok && !m.expired(e) {
		return true, nil
	}
	if s, ok := m.sets[key]; ok && len(s) > 0 {
		return true, nil
	}
	if l, ok := m.lists[key]; ok && len(l) > 0 {
		return true, nil
	}
	return false, nil
}

// Expire sets a TTL on a string key. Sets and lists do not expire in the
// memory implementation; the relay only relies on string-key TTLs.
func (m *MemoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok {
		e.expiresAt = m.now().Add(ttl)
		m.strings[key] = e
	}
	return nil
}

// SAdd adds members to a set.
func (m *MemoryKV) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

// SRem removes members from a set.
func (m *MemoryKV) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s, member)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

// SMembers returns all members of a set.
func (m *MemoryKV) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	return out, nil
}

// SIsMember reports set membership.
func (m *MemoryKV) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

// RPush appends values to a list.
func (m *MemoryKV) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

// LRange returns the list slice [start, stop] inclusive, with redis
// negative-index semantics.
func (m *MemoryKV) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.lists[key]
	n := int64(len(list))
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
	if start > stop || n == 0 {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// LRem removes all occurrences of value from the list.
func (m *MemoryKV) LRem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = out
	}
	return nil
}

// LLen returns the list length.
func (m *MemoryKV) LLen(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.lists[key])), nil
}

// Keys returns keys matching the glob pattern across all keyspaces.
func (m *MemoryKV) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	match := func(key string) {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	for key, e := range m.strings {
		if !m.expired(e) {
			match(key)
		}
	}
	for key := range m.sets {
		match(key)
	}
	for key := range m.lists {
		match(key)
	}
	return out, nil
}

// Publish delivers a payload to all live subscriptions of the channel.
func (m *MemoryKV) Publish(_ context.Context, channel, payload string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for sub := range m.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		select {
		case sub.out <- Message{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

// Subscribe opens an in-process subscription on the given channels.
func (m *MemoryKV) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		kv:       m,
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan Message, 64),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	m.subMu.Lock()
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()
	return sub, nil
}

// Close is a no-op for the memory store.
func (m *MemoryKV) Close() error { return nil }

type memorySubscription struct {
	kv       *MemoryKV
	channels map[string]struct{}
	out      chan Message
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.kv.subMu.Lock()
		delete(s.kv.subs, s)
		s.kv.subMu.Unlock()
		close(s.out)
	})
	return nil
}
