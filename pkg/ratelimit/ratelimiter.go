package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter is a simple in-memory sliding-window rate limiter keyed by
// client IP.
type RateLimiter struct {
	requests map[string][]time.Time
	lock     sync.Mutex
	window   time.Duration
	max      int
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		max:      max,
	}
}

// Allow records a request for key and reports whether it is within the
// window's budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	now := time.Now()
	windowStart := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, reqTime := range rl.requests[key] {
		if reqTime.After(windowStart) {
			valid = append(valid, reqTime)
		}
	}

	if len(valid) >= rl.max {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
