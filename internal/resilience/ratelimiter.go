package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter is a token bucket with a secondary fixed-window cap, used to
// bound queue-admission bursts (C5) independent of per-queue capacity.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
}

// NewRateLimiter creates a combined token bucket + sliding window limiter.
func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   time.Now(),
		windowStart:  time.Now(),
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow returns whether one token can be consumed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()
	meter := otel.GetMeterProvider().Meter("workflow-engine")

	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		if refill := elapsed * r.fillRate; refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		counter, _ := meter.Int64Counter("wfe_ratelimiter_window_drops_total")
		counter.Add(context.Background(), 1)
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	counter, _ := meter.Int64Counter("wfe_ratelimiter_token_drops_total")
	counter.Add(context.Background(), 1)
	return false
}

// ReserveAfter returns the duration until n tokens will be available.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		if refill := elapsed * r.fillRate; refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if r.available >= float64(n) {
		return 0
	}
	shortfall := float64(n) - r.available
	return time.Duration(shortfall / r.fillRate * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
