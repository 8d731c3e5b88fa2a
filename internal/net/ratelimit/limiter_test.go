package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(2.0, 2)

	if !limiter.Allow("twelvedata") || !limiter.Allow("twelvedata") {
		t.Fatal("Burst of two should be allowed")
	}
	if limiter.Allow("twelvedata") {
		t.Error("Third request should be throttled")
	}
}

func TestLimiter_IndependentKeys(t *testing.T) {
	limiter := NewLimiter(1.0, 1)

	if !limiter.Allow("twelvedata") || !limiter.Allow("telegram") {
		t.Fatal("First request for each key should be allowed")
	}
	if limiter.Allow("telegram") {
		t.Error("Second telegram request should be throttled")
	}
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	limiter := NewLimiter(0.1, 1)
	limiter.Allow("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "slow"); err == nil {
		t.Error("Wait should fail when the next token is beyond the deadline")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	limiter := NewLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("any") {
			t.Fatalf("Zero RPS means unlimited, throttled at %d", i)
		}
	}
}
