// Package ratelimit throttles repetitive log lines from concurrent callers.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Limiter counts events and allows at most one report per interval.
// The zero value reports every event. It is safe for concurrent use.
type Limiter struct {
	interval time.Duration
	now      func() time.Time
	last     atomic.Int64
	total    atomic.Uint64
}

// New returns a Limiter that reports at most once per interval.
func New(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

// Allow records one event. It returns the running total and whether this
// event should be reported.
func (l *Limiter) Allow() (uint64, bool) {
	if l == nil {
		return 0, true
	}
	total := l.total.Add(1)
	if l.interval <= 0 {
		return total, true
	}
	now := time.Now().UnixNano()
	if l.now != nil {
		now = l.now().UnixNano()
	}
	last := l.last.Load()
	if last != 0 && now-last < l.interval.Nanoseconds() {
		return total, false
	}
	return total, l.last.CompareAndSwap(last, now)
}

// Total returns the number of events seen.
func (l *Limiter) Total() uint64 {
	if l == nil {
		return 0
	}
	return l.total.Load()
}
