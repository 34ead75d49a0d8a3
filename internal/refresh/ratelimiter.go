package refresh

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// refreshBurst and refreshInterval bound how often the entries sharing one
// RateLimiter may start refresh operations between them: at most
// refreshBurst refreshes may happen back-to-back, after which refreshes are
// limited to one every refreshInterval. This matches the admin API's own quota for the
// per-instance metadata/cert-signing calls a refresh makes.
const (
	refreshBurst    = 2
	refreshInterval = 30 * time.Second
)

// RateLimiter paces refresh operations across every InstanceEntry owned by a
// single Connector. It wraps a token-bucket limiter rather than a plain
// ticker so that up to refreshBurst refreshes (e.g. for instances registered
// at process startup) can start immediately before settling into the
// steady-state rate.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a RateLimiter allowing refreshBurst refreshes
// immediately, refilling at one token every refreshInterval thereafter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(refreshInterval), refreshBurst),
	}
}

// Wait blocks until a refresh token is available or ctx is done, whichever
// comes first. A canceled or expired ctx surfaces as ctx.Err(), not an
// errtype.Error -- the caller is responsible for classifying that as a
// timeout if appropriate.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
