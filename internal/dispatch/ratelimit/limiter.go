// Package ratelimit implements per-caller token bucket admission for
// scrape submissions.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// anonymousKey buckets submissions that carry no caller key.
const anonymousKey = "anonymous"

// Limiter holds one token bucket per caller key, created lazily on first
// use. A disabled limiter admits everything.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	enabled  bool
}

// Config holds rate limiter configuration.
type Config struct {
	Enabled bool
	// Rate is the sustained tokens-per-second refill.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.Rate)
	if cfg.Rate <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		enabled:  cfg.Enabled,
	}
}

// Allow reports whether a submission from callerKey may proceed now.
// Denied submissions are rejected, not queued.
func (l *Limiter) Allow(callerKey string) bool {
	if !l.enabled {
		return true
	}
	if callerKey == "" {
		callerKey = anonymousKey
	}

	l.mu.Lock()
	limiter, exists := l.limiters[callerKey]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[callerKey] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}
