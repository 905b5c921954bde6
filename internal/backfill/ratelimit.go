package backfill

import (
	"context"

	"golang.org/x/time/rate"
)

// limiter wraps rate.Limiter, exposing only the Wait call the engine uses.
type limiter struct {
	l *rate.Limiter
}

// newLimiter creates a token bucket allowing requestsPerSecond sustained,
// with a burst of one (the upstream REST backfill endpoint is strict: no
// bursting above the advertised rate).
func newLimiter(requestsPerSecond int) *limiter {
	if requestsPerSecond < 1 {
		requestsPerSecond = 1
	}
	return &limiter{l: rate.NewLimiter(rate.Limit(requestsPerSecond), 1)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (rl *limiter) Wait(ctx context.Context) error {
	return rl.l.Wait(ctx)
}
