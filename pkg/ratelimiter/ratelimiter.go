package ratelimiter

import "context"

// RateLimiter decides whether a request identified by key may proceed.
// The key is usually a client IP or user id, so every caller gets an
// independent bucket.
type RateLimiter interface {
	// Allow returns true if the request is allowed, otherwise returns false.
	Allow(ctx context.Context, key string) bool
}
