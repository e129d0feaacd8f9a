package security

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/visualcraft/restbase/internal/ctxkeys"
	apierrors "github.com/visualcraft/restbase/internal/errors"
)

// ipEntry holds a rate limiter and its last-used timestamp for cleanup.
type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // UnixNano
}

// limiterSet is one generation of per-IP buckets. Update replaces the whole
// set so buckets never mix old and new settings.
type limiterSet struct {
	cfg      RateLimitPipelineConfig
	limiters sync.Map // IP string → *ipEntry
}

// ZoneRateLimiter enforces per-client-IP rate limiting on in-zone requests.
// Out-of-zone requests are not counted.
type ZoneRateLimiter struct {
	current        atomic.Pointer[limiterSet]
	trustedProxies []string
	deps           Deps
	cancel         context.CancelFunc
}

// NewZoneRateLimiter creates a per-IP rate limiter for in-zone requests.
// PerIP is requests per minute per IP; Burst is the token bucket burst size.
// CleanupInterval controls how often inactive entries are removed; the
// cleanup goroutine stops when ctx is done or Stop is called.
func NewZoneRateLimiter(ctx context.Context, cfg RateLimitPipelineConfig, deps Deps) *ZoneRateLimiter {
	ctx, cancel := context.WithCancel(ctx)
	rl := &ZoneRateLimiter{
		deps:   deps.withDefaults(),
		cancel: cancel,
	}
	rl.current.Store(&limiterSet{cfg: cfg})

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go rl.cleanup(ctx, interval)
	return rl
}

// WithTrustedProxies sets the proxies used to resolve the client IP when the
// zone stage has not stored one. Must be called before serving.
func (rl *ZoneRateLimiter) WithTrustedProxies(proxies []string) *ZoneRateLimiter {
	rl.trustedProxies = proxies
	return rl
}

// Update swaps in new settings. Existing buckets are dropped.
func (rl *ZoneRateLimiter) Update(cfg RateLimitPipelineConfig) {
	cur := rl.current.Load()
	if cur.cfg.Enabled == cfg.Enabled && cur.cfg.PerIP == cfg.PerIP && cur.cfg.Burst == cfg.Burst {
		return
	}
	rl.current.Store(&limiterSet{cfg: cfg})
}

// Enabled reports whether in-zone requests are limited.
func (rl *ZoneRateLimiter) Enabled() bool {
	cfg := rl.current.Load().cfg
	return cfg.Enabled && cfg.PerIP > 0
}

// Process returns an http.Handler that enforces per-IP rate limiting.
func (rl *ZoneRateLimiter) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set := rl.current.Load()
		if !set.cfg.Enabled || set.cfg.PerIP <= 0 || !ctxkeys.InZone(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}

		ip, ok := ctxkeys.ClientIPFrom(r.Context())
		if !ok {
			ip = TrustedClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), rl.trustedProxies)
		}

		if !set.get(ip).Allow() {
			rl.deps.Recorder.RecordRateLimitHit("zone_ip")
			reject(w, r, rl.deps, "rate_limit", apierrors.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Name returns the middleware name.
func (rl *ZoneRateLimiter) Name() string {
	return "zone_rate_limiter"
}

// Stop stops the cleanup goroutine.
func (rl *ZoneRateLimiter) Stop() {
	rl.cancel()
}

// get returns the rate limiter for the given IP, creating one if needed.
func (s *limiterSet) get(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*ipEntry)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	burst := s.cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(float64(s.cfg.PerIP)/60.0), burst)
	entry := &ipEntry{limiter: limiter}
	entry.lastSeen.Store(now)

	actual, loaded := s.limiters.LoadOrStore(ip, entry)
	if loaded {
		existing := actual.(*ipEntry)
		existing.lastSeen.Store(now)
		return existing.limiter
	}
	return limiter
}

// size returns the number of tracked IPs.
func (s *limiterSet) size() int {
	n := 0
	s.limiters.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// sweep drops entries idle since before cutoff.
func (s *limiterSet) sweep(cutoff int64) {
	s.limiters.Range(func(key, value interface{}) bool {
		if value.(*ipEntry).lastSeen.Load() < cutoff {
			s.limiters.Delete(key)
		}
		return true
	})
}

// cleanup periodically removes inactive IP entries.
func (rl *ZoneRateLimiter) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.current.Load().sweep(time.Now().Add(-interval).UnixNano())
		}
	}
}
