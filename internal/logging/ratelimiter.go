package logging

import (
	"sync"
	"time"
)

// RateLimiter allows one action per interval; used to cap error-log volume
// during failure storms.
type RateLimiter struct {
	interval time.Duration
	lastTime time.Time
	mu       sync.Mutex
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		return true
	}
	return false
}
