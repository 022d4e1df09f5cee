// Package ratelimit paces outgoing Reddit API calls using the
// server's x-ratelimit-* response headers, Reddit's advisory
// "you have N requests left in the current 600-second window"
// feedback signal.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// window is Reddit's rate-limit counting interval.
const window = 600 * time.Second

// safetyFactor keeps us from trying to use the entire allocation
// Reddit grants for a window.
const safetyFactor = 0.95

// fallbackRate is the burst-guard rate used before any headers have
// been observed: Reddit's documented 1000 requests per 600 seconds,
// discounted by safetyFactor.
const fallbackRate = (1000.0 / 600.0) * safetyFactor

// Limiter is the adaptive rate limiter: Delay paces the next request,
// Update folds in the headers from the most recent response. It is
// safe for concurrent use by multiple Sessions sharing one Authorizer.
type Limiter struct {
	mu          sync.Mutex
	remaining   *float64
	used        *int
	nextRequest time.Time
	resetAt     time.Time

	// burst is a secondary x/time/rate guard seeded from the
	// header-derived rate, so a burst of calls issued between two
	// header updates still gets spaced out instead of firing back to
	// back until the next Update arrives.
	burst *rate.Limiter
}

// New returns a Limiter with no observed state yet: the first Delay
// call returns immediately.
func New() *Limiter {
	return &Limiter{
		nextRequest: time.Now(),
		burst:       rate.NewLimiter(rate.Limit(fallbackRate), 1),
	}
}

// Delay blocks the caller until the earliest moment the next request
// may be sent, or returns early if ctx is cancelled. A cancelled
// Delay aborts the sleep without touching limiter state.
func (l *Limiter) Delay(ctx context.Context) error {
	l.mu.Lock()
	next := l.nextRequest
	resetAt := l.resetAt
	burst := l.burst
	l.mu.Unlock()

	now := time.Now()
	if next.After(now) {
		wait := next.Sub(now)
		// Clamp above so we never sleep past reset_timestamp: if our
		// stale computation would sleep into the next window, cut it
		// short at the window boundary instead.
		if !resetAt.IsZero() {
			if maxWait := resetAt.Sub(now); maxWait > 0 && wait > maxWait {
				wait = maxWait
			}
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return burst.Wait(ctx)
}

// Update folds the x-ratelimit-* headers from the most recently
// received response into the limiter's state.
func (l *Limiter) Update(headers http.Header) {
	remainingStr := headers.Get("x-ratelimit-remaining")
	usedStr := headers.Get("x-ratelimit-used")
	resetStr := headers.Get("x-ratelimit-reset")

	if remainingStr == "" && usedStr == "" && resetStr == "" {
		// Headers absent: don't enforce a delay for the next call,
		// but leave remaining/used/reset as they were.
		l.mu.Lock()
		l.nextRequest = time.Now()
		l.mu.Unlock()
		return
	}

	remaining, _ := strconv.ParseFloat(remainingStr, 64)
	used, _ := strconv.Atoi(usedStr)
	resetSeconds, _ := strconv.ParseFloat(resetStr, 64)

	now := time.Now()
	newReset := now.Add(time.Duration(resetSeconds * float64(time.Second)))

	var next time.Time
	switch {
	case remaining <= 0:
		next = newReset
	case remaining <= float64(used):
		next = now.Add(time.Duration((resetSeconds / remaining) * float64(time.Second)))
	default:
		next = now
	}

	var newRPS float64
	if remaining > 0 && resetSeconds > 0 {
		newRPS = (remaining / resetSeconds) * safetyFactor
	} else {
		newRPS = fallbackRate
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// When two responses race, the fresher reset_timestamp wins: an
	// update describing an older window is dropped.
	if !l.resetAt.IsZero() && newReset.Before(l.resetAt) {
		return
	}

	l.remaining = &remaining
	l.used = &used
	l.resetAt = newReset
	l.nextRequest = next
	l.burst.SetLimit(rate.Limit(newRPS))
}

// Snapshot is a read-only view of the limiter's current state, used
// by package httpapi to expose a /ratelimit introspection endpoint.
type Snapshot struct {
	Remaining     *float64
	Used          *int
	NextRequestIn time.Duration
	ResetIn       time.Duration
}

// Snapshot returns the limiter's current state for inspection.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	s := Snapshot{Remaining: l.remaining, Used: l.used}
	if l.nextRequest.After(now) {
		s.NextRequestIn = l.nextRequest.Sub(now)
	}
	if l.resetAt.After(now) {
		s.ResetIn = l.resetAt.Sub(now)
	}
	return s
}
