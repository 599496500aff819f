package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces an outbound request budget for a venue. Calls either
// queue until a token is available or, when the queue bound is exceeded, are
// rejected with a transient protocol error so the caller's backoff applies.
type Throttle struct {
	lim     *rate.Limiter
	maxWait time.Duration
}

// NewThrottle allows perMinute requests per minute with the given burst.
// maxWait bounds how long a call may queue; zero means queue indefinitely
// (until context cancellation).
func NewThrottle(perMinute int, burst int, maxWait time.Duration) *Throttle {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		lim:     rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		maxWait: maxWait,
	}
}

// Acquire blocks until a token is available, the wait bound is exceeded, or
// ctx is done.
func (t *Throttle) Acquire(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if t.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.maxWait)
		defer cancel()
	}
	if err := t.lim.Wait(ctx); err != nil {
		return NewTransient("RATE_LIMIT", "request budget exhausted: %v", err)
	}
	return nil
}
