package security

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odin-rt/core/rterr"
)

// RateLimiter is the capability §4.2 requires: "check(client_id) → Ok |
// RateLimited{retry_after}", atomic per client-id (check-then-consume is a
// single critical section, §5).
type RateLimiter interface {
	Check(clientID string) error
	// Remove drops a client-id's state. Per invariant 4, callers must not
	// call this while a request for that client-id is still pending.
	Remove(clientID string)
}

// bucket is one client's token-bucket state (tokens, last_refill_at);
// capacity, refill_rate and refill_interval are held once on
// TokenBucketLimiter. Refill is discrete-step —
// "floor((now - last_refill_at) / refill_interval) * refill_rate" — rather
// than the teacher's continuous accumulation
// (internal/single/limits/rate_limiter.go), because the spec's rate-limit
// monotonicity law is stated in terms of whole refill_interval steps.
type bucket struct {
	tokens       float64
	lastRefillAt time.Time
	mu           sync.Mutex
}

// TokenBucketLimiter is a per-client-id token bucket RateLimiter, the
// default algorithm per §4.2.
type TokenBucketLimiter struct {
	capacity       float64
	refillRate     float64
	refillInterval time.Duration

	clients sync.Map // map[string]*bucket
}

// NewTokenBucketLimiter builds a limiter with the given bucket shape.
func NewTokenBucketLimiter(capacity, refillRate float64, refillInterval time.Duration) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		capacity:       capacity,
		refillRate:     refillRate,
		refillInterval: refillInterval,
	}
}

func (l *TokenBucketLimiter) bucketFor(clientID string) *bucket {
	v, _ := l.clients.LoadOrStore(clientID, &bucket{
		tokens:       l.capacity,
		lastRefillAt: time.Now(),
	})
	return v.(*bucket)
}

// Check performs the atomic check-then-consume described in §5: "Rate
// buckets: per client-id guard; check-and-consume is a single critical
// section."
func (l *TokenBucketLimiter) Check(clientID string) error {
	b := l.bucketFor(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefillAt)
	if steps := math.Floor(elapsed.Seconds() / l.refillInterval.Seconds()); steps > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+steps*l.refillRate)
		b.lastRefillAt = b.lastRefillAt.Add(time.Duration(steps) * l.refillInterval)
	}

	if b.tokens >= 1 {
		b.tokens--
		return nil
	}

	sinceRefill := now.Sub(b.lastRefillAt)
	retryAfter := l.refillInterval - sinceRefill
	if retryAfter < 0 {
		retryAfter = 0
	}
	return rterr.RateLimited(retryAfter)
}

func (l *TokenBucketLimiter) Remove(clientID string) { l.clients.Delete(clientID) }

// SlidingWindowLimiter implements the alternative algorithm named in
// §4.2/§6 ("sliding-window {window, max}"), built on golang.org/x/time/rate
// the way the teacher's internal/shared/limits/connection_rate_limiter.go
// uses it for IP-level connection limiting — here keyed by client-id
// instead of IP, and exposed through the same Check/Remove contract as
// TokenBucketLimiter so security.Middleware can use either interchangeably.
type SlidingWindowLimiter struct {
	window time.Duration
	max     int

	mu       sync.Mutex
	clients  map[string]*rate.Limiter
}

// NewSlidingWindowLimiter approximates a sliding window of duration window
// admitting at most max events by configuring an x/time/rate.Limiter whose
// burst is max and whose refill rate replaces the whole window's budget
// continuously (max events per window).
func NewSlidingWindowLimiter(window time.Duration, max int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		window:  window,
		max:     max,
		clients: make(map[string]*rate.Limiter),
	}
}

func (l *SlidingWindowLimiter) limiterFor(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.clients[clientID]
	if !ok {
		perSec := float64(l.max) / l.window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSec), l.max)
		l.clients[clientID] = lim
	}
	return lim
}

func (l *SlidingWindowLimiter) Check(clientID string) error {
	lim := l.limiterFor(clientID)
	res := lim.Reserve()
	if !res.OK() {
		return rterr.RateLimited(l.window)
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return rterr.RateLimited(delay)
	}
	return nil
}

func (l *SlidingWindowLimiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}
