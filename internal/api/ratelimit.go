package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type accountLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles chat sends per account. The key is the account ID
// only, so clients cannot bypass throttling by remounting sessions.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*accountLimiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter creates a rate limiter and starts its background eviction.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*accountLimiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
	go rl.evictLoop()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.limiters[key]
	if !ok {
		entry = &accountLimiter{limiter: rate.NewLimiter(r.rps, r.burst)}
		r.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// evictLoop periodically removes idle keys so the map cannot grow without
// bound.
func (r *RateLimiter) evictLoop() {
	ticker := time.NewTicker(limiterIdleTTL)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-limiterIdleTTL)
		r.mu.Lock()
		for key, entry := range r.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(r.limiters, key)
			}
		}
		r.mu.Unlock()
	}
}
