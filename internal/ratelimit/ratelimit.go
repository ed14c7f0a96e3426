// Package ratelimit throttles how often each API client may start agent runs.
// A run occupies the shared sandbox for minutes, so budgets are per hour.
// Buckets refill lazily on each Allow call; there is no background goroutine.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its run budget.
var ErrRateLimited = errors.New("run rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RunsPerHour int // Runs granted per hour. 0 = unlimited.
	Burst       int // Bucket capacity. 0 = RunsPerHour.
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	perRun  time.Duration // refill time for one run
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. With RunsPerHour 0 every call is allowed.
func NewLimiter(cfg Config) *Limiter {
	l := &Limiter{clients: make(map[string]*bucket), now: time.Now}
	if cfg.RunsPerHour <= 0 {
		return l
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RunsPerHour
	}
	l.perRun = time.Hour / time.Duration(cfg.RunsPerHour)
	l.burst = float64(burst)
	return l
}

// Allow consumes one run from key's budget. When the budget is empty it
// returns ErrRateLimited and how long until the next run is available.
func (l *Limiter) Allow(key string) (time.Duration, error) {
	if l.perRun == 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[key] = b
	}

	b.tokens += float64(now.Sub(b.lastFill)) / float64(l.perRun)
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) * float64(l.perRun))
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}
