package marketdata

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// RateLimiter enforces a minimum inter-request interval (derived from a
// target requests/minute) and a bounded concurrency per provider.
//
// Acquire blocks until both a concurrency slot and the inter-request
// interval have been satisfied; Release returns only the slot. Interval
// bookkeeping relies on time.Time's monotonic clock reading.
type RateLimiter struct {
	interval time.Duration
	sem      *semaphore.Weighted

	mu   sync.Mutex
	next time.Time
}

// NewRateLimiter creates a limiter for the given requests/minute target and
// maximum in-flight requests. requestsPerMinute <= 0 disables the interval;
// maxConcurrent <= 0 defaults to 1.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	var interval time.Duration
	if requestsPerMinute > 0 {
		interval = time.Minute / time.Duration(requestsPerMinute)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &RateLimiter{
		interval: interval,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Acquire blocks until a concurrency slot is free and the inter-request
// interval has elapsed, or the context is cancelled. On context
// cancellation no slot is held.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	if l.interval <= 0 {
		return nil
	}

	// Claim the next send slot under the lock, then sleep outside it so
	// concurrent waiters queue up behind each other.
	l.mu.Lock()
	now := time.Now()
	at := l.next
	if at.Before(now) {
		at = now
	}
	l.next = at.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		l.sem.Release(1)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Release returns the concurrency slot taken by Acquire.
func (l *RateLimiter) Release() {
	l.sem.Release(1)
}
