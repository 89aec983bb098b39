package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket_AllowsBurstUpToCapacity(t *testing.T) {
	tb := NewTokenBucket(1, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !tb.Allow(ctx, "client") {
			t.Fatalf("request %d within burst capacity was denied", i)
		}
	}
	if tb.Allow(ctx, "client") {
		t.Error("request beyond capacity was allowed")
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(50, 1)
	ctx := context.Background()

	if !tb.Allow(ctx, "client") {
		t.Fatal("first request denied")
	}
	if tb.Allow(ctx, "client") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(40 * time.Millisecond)
	if !tb.Allow(ctx, "client") {
		t.Error("bucket did not refill")
	}
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	ctx := context.Background()

	if !tb.Allow(ctx, "a") {
		t.Fatal("first request for key a denied")
	}
	if tb.Allow(ctx, "a") {
		t.Fatal("key a should be exhausted")
	}
	if !tb.Allow(ctx, "b") {
		t.Error("key b was throttled by key a's bucket")
	}
}
