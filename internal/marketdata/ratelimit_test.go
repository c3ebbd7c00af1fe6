package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRateLimiterEnforcesInterval(t *testing.T) {
	// 600 requests/minute = 100ms interval. Three acquisitions should take
	// at least two full intervals.
	limiter := NewRateLimiter(600, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Acquire(ctx); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		limiter.Release()
	}
	elapsed := time.Since(start)

	if elapsed < 200*time.Millisecond {
		t.Errorf("Expected at least 200ms across three acquisitions, took %v", elapsed)
	}
}

func TestRateLimiterNoIntervalWhenDisabled(t *testing.T) {
	limiter := NewRateLimiter(0, 2)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := limiter.Acquire(ctx); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		limiter.Release()
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Expected no pacing with interval disabled, took %v", elapsed)
	}
}

func TestRateLimiterBoundsConcurrency(t *testing.T) {
	limiter := NewRateLimiter(0, 2)
	ctx := context.Background()

	var inFlight, maxInFlight int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(ctx); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				prev := atomic.LoadInt64(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			limiter.Release()
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt64(&maxInFlight); max > 2 {
		t.Errorf("Expected at most 2 in-flight requests, observed %d", max)
	}
}

func TestRateLimiterAcquireHonorsContextCancel(t *testing.T) {
	// One request per minute forces the second Acquire to wait.
	limiter := NewRateLimiter(1, 1)

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	limiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	if err == nil {
		limiter.Release()
		t.Fatal("Expected context error from second acquire")
	}

	// The concurrency slot must be returned on cancellation.
	if !limiter.sem.TryAcquire(1) {
		t.Fatal("Expected concurrency slot to be released after cancelled acquire")
	}
	limiter.sem.Release(1)
}
