package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bountyhub/internal/config"
	"bountyhub/internal/slogx"
)

// rateLimiter keeps one token bucket per caller.
type rateLimiter struct {
	limiters    sync.Map // map[string]*rate.Limiter
	rate        rate.Limit
	burst       int
	mu          sync.Mutex
	lastCleanup time.Time
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	if l, ok := rl.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	actual, _ := rl.limiters.LoadOrStore(key, rate.NewLimiter(rl.rate, rl.burst))
	rl.maybeCleanup()
	return actual.(*rate.Limiter)
}

// maybeCleanup drops idle buckets at most every five minutes.
func (rl *rateLimiter) maybeCleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if time.Since(rl.lastCleanup) < 5*time.Minute {
		return
	}
	rl.lastCleanup = time.Now()
	rl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(rl.burst) {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// rateLimitKey groups requests by authenticated caller, falling back to the
// client address.
func rateLimitKey(r *http.Request) string {
	if p, ok := principalFromContext(r.Context()); ok {
		if p.User != nil {
			return "user:" + p.User.ID
		}
		if p.Integration != "" {
			return "key:" + p.Integration
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return "ip:" + strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// newRateLimitMiddleware returns a pass-through when rps is not positive.
func newRateLimitMiddleware(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	rl := &rateLimiter{rate: rate.Limit(cfg.RequestsPerSecond), burst: burst, lastCleanup: time.Now()}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			l := rl.limiter(key)
			if l.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			res := l.Reserve()
			delay := res.Delay()
			res.Cancel()
			retryAfter := max(int(delay.Seconds()+0.999), 1)

			slogx.FromContext(r.Context()).WarnContext(r.Context(), "rate limit exceeded", "key", key, "retry_after", retryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", map[string]any{"reason": "rate_limited"}))
		})
	}
}
