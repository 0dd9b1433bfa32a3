package twitch

import (
	"context"
	"sync"
	"time"
)

// Twitch allows 20 messages per 30 seconds for a regular user. The full
// budget is usable; blocked sends wake a little after the oldest slot
// ages out so clock skew against the server never tips the account over.
const (
	rateWindow = 30 * time.Second
	rateLimit  = 20
	rateMargin = 500 * time.Millisecond
)

// rateLimiter is a sliding-window limiter for outbound IRC messages.
// Wait blocks until a slot opens or the context is cancelled.
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	sent   []time.Time
}

func newRateLimiter(window time.Duration, limit int) *rateLimiter {
	if window <= 0 {
		window = rateWindow
	}
	if limit <= 0 {
		limit = rateLimit
	}
	return &rateLimiter{window: window, limit: limit}
}

// Wait reserves one send slot, sleeping until the oldest timestamp ages
// out of the window when the budget is exhausted.
func (r *rateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.pruneLocked(now)

		if len(r.sent) < r.limit {
			r.sent = append(r.sent, now)
			r.mu.Unlock()
			return nil
		}
		wakeAt := r.sent[0].Add(r.window + rateMargin)
		r.mu.Unlock()

		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available reports how many sends the current window still allows.
func (r *rateLimiter) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(time.Now())
	return r.limit - len(r.sent)
}

func (r *rateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	keep := 0
	for _, at := range r.sent {
		if at.After(cutoff) {
			break
		}
		keep++
	}
	r.sent = r.sent[keep:]
}
