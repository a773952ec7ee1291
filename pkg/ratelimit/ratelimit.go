package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits at most limit requests per user within a trailing window.
// State lives in process memory: when running multiple instances the limit
// is enforced per instance, not globally.
type Limiter struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	requests map[string][]time.Time
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
	}
}

// Admit checks the user's trailing window and, if a slot is free, consumes it.
// Stale entries are purged lazily on each call.
func (l *Limiter) Admit(user string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	window := l.requests[user]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.requests[user] = kept
		retryAfter := l.window - now.Sub(kept[0])
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	l.requests[user] = append(kept, now)
	return Decision{Allowed: true}
}

// WindowSize reports how many admitted requests the user currently holds.
func (l *Limiter) WindowSize(user string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	count := 0
	for _, ts := range l.requests[user] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// WarnTracker suppresses repeated rate-limit warnings to the same user.
// It is a presentation concern layered above Admit and keeps its own
// cooldown timestamps, separate from the admission window.
type WarnTracker struct {
	cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewWarnTracker(cooldown time.Duration) *WarnTracker {
	return &WarnTracker{
		cooldown: cooldown,
		last:     make(map[string]time.Time),
	}
}

// ShouldWarn reports whether a warning may be sent to the user now, and if
// so records the send so the next one is suppressed for the cooldown period.
func (w *WarnTracker) ShouldWarn(user string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if last, ok := w.last[user]; ok && now.Sub(last) < w.cooldown {
		return false
	}
	w.last[user] = now
	return true
}
