package resilience

import (
	"context"
	"testing"
	"time"
)

func TestProviderLimiters_BurstThenBlocked(t *testing.T) {
	pl := NewProviderLimiters(map[string]LimitConfig{
		"slow": {RefillPerSec: 0.1, Capacity: 2},
	}, LimitConfig{RefillPerSec: 100, Capacity: 10})

	// Burst capacity available immediately.
	if !pl.Allow("slow") {
		t.Fatal("first token should be available")
	}
	if !pl.Allow("slow") {
		t.Fatal("second token should be available")
	}
	// Bucket drained; refill is 1 token per 10s.
	if pl.Allow("slow") {
		t.Fatal("third token should not be available")
	}
}

func TestProviderLimiters_FallbackForUnknownProvider(t *testing.T) {
	pl := NewProviderLimiters(nil, LimitConfig{RefillPerSec: 100, Capacity: 1})

	if !pl.Allow("anything") {
		t.Fatal("fallback bucket should have a token")
	}
}

func TestProviderLimiters_AcquireRespectsContext(t *testing.T) {
	pl := NewProviderLimiters(map[string]LimitConfig{
		"slow": {RefillPerSec: 0.001, Capacity: 1},
	}, LimitConfig{})

	// Drain the bucket.
	if err := pl.Acquire(context.Background(), "slow"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := pl.Acquire(ctx, "slow"); err == nil {
		t.Fatal("expected context deadline error while waiting for refill")
	}
}

func TestProviderLimiters_IndependentBuckets(t *testing.T) {
	pl := NewProviderLimiters(map[string]LimitConfig{
		"a": {RefillPerSec: 0.1, Capacity: 1},
		"b": {RefillPerSec: 0.1, Capacity: 1},
	}, LimitConfig{})

	if !pl.Allow("a") {
		t.Fatal("provider a should have a token")
	}
	// Draining a must not affect b.
	if !pl.Allow("b") {
		t.Fatal("provider b should have a token")
	}
}
