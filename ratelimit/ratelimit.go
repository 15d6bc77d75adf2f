// Package ratelimit throttles the rate at which jobs are started.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Acquire after Stop has been called.
var ErrStopped = errors.New("limiter stopped")

// Limiter throttles the rate of successful Acquire calls to maxCount
// events at any given interval.
type Limiter struct {
	mu     sync.Mutex
	window []time.Time

	maxCount int
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter returns a limiter allowing at most maxCount acquisitions per
// interval. A zero interval disables throttling.
func NewLimiter(maxCount int, interval time.Duration) *Limiter {
	return &Limiter{
		maxCount: maxCount,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Acquire blocks until the caller may proceed, ctx is done, or the
// limiter is stopped.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		select {
		case <-l.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.stopCh:
			timer.Stop()
			return ErrStopped
		}
	}
}

// Stop makes every pending and future Acquire return ErrStopped.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// tryAcquire either records the acquisition and succeeds, or reports how
// long to wait until the oldest window entry expires.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.interval == 0 {
		return 0, true
	}

	now := time.Now()
	// выкидываем события, вышедшие из окна
	cut := 0
	for cut < len(l.window) && now.Sub(l.window[cut]) >= l.interval {
		cut++
	}
	l.window = l.window[cut:]

	if len(l.window) < l.maxCount {
		l.window = append(l.window, now)
		return 0, true
	}
	return l.window[0].Add(l.interval).Sub(now), false
}
