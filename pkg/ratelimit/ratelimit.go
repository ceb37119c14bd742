// Package ratelimit applies per-client token buckets to HTTP handlers.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxClients = 4096
	idleTTL    = 10 * time.Minute
)

// Limiter hands out one token bucket per client key. Buckets of clients that
// stay idle for idleTTL are forgotten.
type Limiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing rps requests per second with the given burst.
// A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxClients, nil, idleTTL),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Enabled reports whether requests are limited at all
func (l *Limiter) Enabled() bool {
	return l != nil && l.rps > 0
}

// GetLimiter returns the bucket for key, creating it on first use
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
	}
	// re-adding refreshes the idle TTL
	l.limiters.Add(key, limiter)
	return limiter
}

// Allow reports whether a request from key may proceed now
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.GetLimiter(key).Allow()
}

// Clients returns the number of tracked client buckets
func (l *Limiter) Clients() int {
	return l.limiters.Len()
}

// Middleware rejects requests over the limit with 429
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys requests by the first X-Forwarded-For hop, else the remote IP
func IPKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// APIKeyFunc keys requests by their Authorization header, falling back to the IP
func APIKeyFunc(r *http.Request) string {
	if key := r.Header.Get("Authorization"); key != "" {
		return key
	}
	return IPKeyFunc(r)
}
