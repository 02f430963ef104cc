package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a keyed token-bucket rate limiter. Each key (typically a source
// address) gets its own bucket, created lazily on first sight and refilled at
// an integer rate (tokens/sec).
//
// Refill is deliberately quantized to whole tokens: a bucket's reference time
// only advances when at least one full token has accrued, so sub-token
// elapsed time is dropped rather than accumulated. The achievable long-run
// rate is the configured rate rounded down per call interval, which is fine
// for coarse abuse prevention but is not a precise rate guarantee.
//
// Buckets are never evicted. The expected universe of concurrent source keys
// is small; a deployment exposed to the open internet at scale should add
// idle-bucket eviction.
type Limiter struct {
	clock Clock

	capacity  int64 // tokens
	refillPer int64 // tokens/sec

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     int64
	lastRefill time.Time
}

func NewLimiter(clock Clock, capacity, refillPerSec int64) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if refillPerSec < 0 {
		refillPerSec = 0
	}
	return &Limiter{
		clock:     clock,
		capacity:  capacity,
		refillPer: refillPerSec,
		buckets:   make(map[string]*bucket),
	}
}

// Allow consumes one token from key's bucket if available. A denied call
// consumes nothing.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}

	l.refill(b, now)

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 || l.refillPer <= 0 {
		return
	}

	// floor(elapsed * rate), integer math on nanoseconds.
	refill := elapsed.Nanoseconds() * l.refillPer / int64(time.Second)
	if refill <= 0 {
		return
	}

	b.tokens += refill
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.lastRefill = now
}
