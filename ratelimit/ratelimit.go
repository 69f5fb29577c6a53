// Package ratelimit throttles transient typing indicators to one frame
// per (sender, recipient) pair per interval.
package ratelimit

import (
	"sync"
	"time"
)

// TypingInterval is the minimum gap between accepted typing frames for
// one (sender, recipient) pair.
const TypingInterval = 2 * time.Second

type pair struct {
	from string
	to   string
}

// TypingLimiter keeps the last accepted timestamp per pair. Entries older
// than the interval are pruned opportunistically on Allow.
type TypingLimiter struct {
	mu       sync.Mutex
	last     map[pair]time.Time
	interval time.Duration
	now      func() time.Time

	pruneCounter int
}

// NewTypingLimiter creates a limiter with the standard interval.
func NewTypingLimiter() *TypingLimiter {
	return &TypingLimiter{
		last:     make(map[pair]time.Time),
		interval: TypingInterval,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *TypingLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow reports whether a typing frame from sender to recipient may pass,
// and records the acceptance when it may.
func (l *TypingLimiter) Allow(from, to string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := pair{from: from, to: to}
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now

	// Amortized cleanup so idle pairs do not accumulate forever.
	l.pruneCounter++
	if l.pruneCounter >= 1024 {
		l.pruneCounter = 0
		for k, ts := range l.last {
			if now.Sub(ts) >= l.interval {
				delete(l.last, k)
			}
		}
	}
	return true
}

// ForgetUser drops all state involving the user in either direction.
func (l *TypingLimiter) ForgetUser(whisperID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.last {
		if k.from == whisperID || k.to == whisperID {
			delete(l.last, k)
		}
	}
}
