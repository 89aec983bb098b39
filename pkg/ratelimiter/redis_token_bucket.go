package ratelimiter

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// tokenBucketScript refills and consumes atomically on the Redis side so
// multiple API instances share one bucket per client.
//
// KEYS[1] bucket hash, ARGV[1] rate, ARGV[2] capacity, ARGV[3] now (ms),
// ARGV[4] ttl (s). Returns 1 when a token was consumed.
var tokenBucketScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local tokens = tonumber(bucket[1])
local last_ms = tonumber(bucket[2])
if tokens == nil then
	tokens = capacity
	last_ms = now_ms
end

local elapsed = (now_ms - last_ms) / 1000.0
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * rate)
	last_ms = now_ms
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_ms', last_ms)
redis.call('EXPIRE', KEYS[1], ARGV[4])
return allowed
`)

// RedisTokenBucket implements RateLimiter with the bucket state held in
// Redis, shared across API instances. Buckets expire after being idle
// long enough to refill completely.
type RedisTokenBucket struct {
	client   *redis.Client
	rate     float64
	capacity int
	ttl      time.Duration
}

// NewRedisTokenBucket creates a RedisTokenBucket.
// rate: the number of tokens to generate per second.
// capacity: the maximum number of tokens (burst size).
func NewRedisTokenBucket(client *redis.Client, rate float64, capacity int) *RedisTokenBucket {
	ttl := time.Duration(float64(capacity)/rate+1) * time.Second
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &RedisTokenBucket{
		client:   client,
		rate:     rate,
		capacity: capacity,
		ttl:      ttl,
	}
}

// Allow consumes one token from the key's shared bucket. Fails open when
// Redis is unreachable so a cache outage does not take the API down.
func (rb *RedisTokenBucket) Allow(ctx context.Context, key string) bool {
	now := time.Now().UnixMilli()
	result, err := tokenBucketScript.Run(ctx, rb.client,
		[]string{"ratelimit:" + key},
		rb.rate, rb.capacity, now, int(rb.ttl.Seconds()),
	).Int()
	if err != nil {
		return true
	}
	return result == 1
}

var _ RateLimiter = (*RedisTokenBucket)(nil)
