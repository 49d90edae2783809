package gateway

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client token-bucket limit on RPC requests.
type RateLimiter struct {
	limiters sync.Map // client id -> *limiterEntry
	limit    rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter from requests-per-minute; rpm <= 0 turns
// limiting off.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	var limit rate.Limit
	if rpm > 0 {
		limit = rate.Limit(float64(rpm) / 60.0)
	}
	rl := &RateLimiter{limit: limit, burst: burst}
	if limit > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit == 0 {
		return true
	}
	entry := rl.entry(key)
	if !entry.limiter.Allow() {
		slog.Warn("gateway: rate limited", "key", key)
		return false
	}
	entry.lastSeen = time.Now()
	return true
}

func (rl *RateLimiter) entry(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	e := &limiterEntry{
		limiter:  rate.NewLimiter(rl.limit, rl.burst),
		lastSeen: time.Now(),
	}
	actual, _ := rl.limiters.LoadOrStore(key, e)
	return actual.(*limiterEntry)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		rl.limiters.Range(func(key, value any) bool {
			if value.(*limiterEntry).lastSeen.Before(cutoff) {
				rl.limiters.Delete(key)
			}
			return true
		})
	}
}
