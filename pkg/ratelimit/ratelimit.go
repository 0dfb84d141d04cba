// Package ratelimit implements a sliding-window request limiter.
//
// The limiter admits at most N requests within any trailing window. Each
// admission check is an atomic test-and-record: an admitted request consumes
// one slot, a rejected request consumes nothing and the caller receives an
// immediate decision rather than blocking.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter. The zero value is not usable;
// construct with New or NewWithClock.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	marks  []time.Time
	now    func() time.Time
}

// New creates a limiter admitting at most limit requests per window.
func New(limit int, window time.Duration) *Limiter {
	return NewWithClock(limit, window, time.Now)
}

// NewWithClock creates a limiter with an injected clock. Tests use this to
// drive the window deterministically.
func NewWithClock(limit int, window time.Duration, now func() time.Time) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{
		limit:  limit,
		window: window,
		marks:  make([]time.Time, 0, limit),
		now:    now,
	}
}

// Allow reports whether another request may start now. Admissions are
// recorded against the window; rejections consume no budget.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.marks[:0]
	for _, t := range l.marks {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.marks = kept

	if len(l.marks) >= l.limit {
		return false
	}
	l.marks = append(l.marks, now)
	return true
}

// Used returns the number of admissions still counted in the current window.
func (l *Limiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, t := range l.marks {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Limit returns the configured admission limit.
func (l *Limiter) Limit() int {
	return l.limit
}
