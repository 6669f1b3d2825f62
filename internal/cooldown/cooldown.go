// Package cooldown implements a minimum-gap rate limiter: not a debounce,
// a guarantee that calls are spaced at least minInterval apart.
package cooldown

import (
	"sync"
	"time"
)

// DefaultInterval is the default minimum gap between supervisor turns.
const DefaultInterval = 3000 * time.Millisecond

// Limiter enforces a minimum gap between successive marks.
type Limiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastMark    time.Time
}

// New returns a Limiter with the given minimum interval (DefaultInterval
// if interval <= 0).
func New(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Limiter{minInterval: interval}
}

// CanProceed reports whether enough time has elapsed since the last Mark.
// A Limiter that has never been marked can always proceed.
func (l *Limiter) CanProceed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastMark.IsZero() {
		return true
	}
	return time.Since(l.lastMark) >= l.minInterval
}

// Mark stamps the current time as the last call. Callers must mark
// before starting the work being rate-limited, not after it completes —
// the limiter bounds request rate, not round-trip rate.
func (l *Limiter) Mark() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastMark = time.Now()
}

// Reset clears the mark history; the next CanProceed call returns true.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastMark = time.Time{}
}
