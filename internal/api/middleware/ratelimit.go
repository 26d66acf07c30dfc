package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tokengate/tokengate/internal/api/respond"
)

// bucket is one key's leaky-bucket state.
type bucket struct {
	tokens   float64
	lastFill time.Time
}

// RateLimiter throttles data-plane requests per API key. Capacity equals
// the per-minute rate; the bucket refills continuously.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rpm     float64
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per key per minute.
func NewRateLimiter(rpm int64) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rpm:     float64(rpm),
		now:     time.Now,
	}
}

// allow consumes one token for key, returning the remaining count and, when
// denied, the wait until the next token.
func (rl *RateLimiter) allow(key string) (ok bool, remaining int64, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: rl.rpm, lastFill: now}
		rl.buckets[key] = b
	}

	refill := now.Sub(b.lastFill).Minutes() * rl.rpm
	b.tokens += refill
	if b.tokens > rl.rpm {
		b.tokens = rl.rpm
	}
	b.lastFill = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / rl.rpm * float64(time.Minute))
		return false, 0, wait
	}
	b.tokens--
	return true, int64(b.tokens), 0
}

// Middleware enforces the limit per authenticated key. Runs after
// APIKeyAuth so the key prefix is available as the bucket key.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil {
			respond.Fail(w, respond.CodeUnauthorized, "API key required")
			return
		}

		ok, remaining, retryAfter := rl.allow(user.APIKeyPrefix)
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(int64(rl.rpm), 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !ok {
			reset := rl.now().Add(retryAfter)
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
			respond.Fail(w, respond.CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
