package security

import (
	"net/http"
	"sync/atomic"

	"golang.org/x/time/rate"

	apierrors "github.com/visualcraft/restbase/internal/errors"
)

// GlobalRateLimiter enforces a gateway-wide request rate limit using a token bucket.
// It applies to every request regardless of zone.
type GlobalRateLimiter struct {
	limiter atomic.Pointer[rate.Limiter] // nil when disabled
	deps    Deps
}

// NewGlobalRateLimiter creates a global rate limiter.
// rpm is requests per minute; 0 disables the limit.
func NewGlobalRateLimiter(rpm int, deps Deps) *GlobalRateLimiter {
	g := &GlobalRateLimiter{deps: deps.withDefaults()}
	g.SetLimit(rpm)
	return g
}

// SetLimit replaces the limit. The bucket starts full.
func (g *GlobalRateLimiter) SetLimit(rpm int) {
	if rpm <= 0 {
		g.limiter.Store(nil)
		return
	}
	burst := rpm / 60
	if burst < 1 {
		burst = 1
	}
	g.limiter.Store(rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst))
}

// Enabled reports whether a limit is in force.
func (g *GlobalRateLimiter) Enabled() bool {
	return g.limiter.Load() != nil
}

// Process returns an http.Handler that enforces the global rate limit.
func (g *GlobalRateLimiter) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l := g.limiter.Load(); l != nil && !l.Allow() {
			g.deps.Recorder.RecordRateLimitHit("global")
			reject(w, r, g.deps, "capacity", apierrors.ErrGlobalLimitReached)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Name returns the middleware name for logging and debugging.
func (g *GlobalRateLimiter) Name() string {
	return "global_rate_limiter"
}
