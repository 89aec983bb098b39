package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements RateLimiter using the token bucket algorithm
// with one in-process bucket per key. It allows bursts of requests up to
// the bucket's capacity.
type TokenBucket struct {
	rate     float64 // tokens generated per second
	capacity float64 // maximum tokens per bucket (burst size)

	mutex   sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens        float64
	lastTokenTime time.Time
}

// NewTokenBucket creates a TokenBucket.
// rate: the number of tokens to generate per second.
// capacity: the maximum number of tokens (burst size).
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: float64(capacity),
		buckets:  make(map[string]*bucket),
	}
}

// Allow refills the key's bucket based on the elapsed time and consumes
// one token if available.
func (tb *TokenBucket) Allow(ctx context.Context, key string) bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	b, ok := tb.buckets[key]
	if !ok {
		// New clients start with a full bucket.
		b = &bucket{tokens: tb.capacity, lastTokenTime: time.Now()}
		tb.buckets[key] = b
	}

	now := time.Now()
	elapsed := now.Sub(b.lastTokenTime)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * tb.rate
		if b.tokens > tb.capacity {
			b.tokens = tb.capacity
		}
		b.lastTokenTime = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

var _ RateLimiter = (*TokenBucket)(nil)
