package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	// Fail 3 times to trip the breaker.
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected open state after %d failures, got %s", cfg.FailureThreshold, cb.State())
	}

	// Next call should be rejected immediately.
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	// Fail twice (below threshold).
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}

	failures, state := cb.Counters()
	if failures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", failures)
	}
	if state != CircuitClosed {
		t.Errorf("expected closed state, got %s", state)
	}

	// Success resets counter.
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return nil
	})

	failures, _ = cb.Counters()
	if failures != 0 {
		t.Errorf("expected 0 consecutive failures after success, got %d", failures)
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
	}
	cb := NewCircuitBreaker(cfg)
	cb.nowFunc = func() time.Time { return now }

	// Trip the breaker.
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	// Advance time past reset timeout.
	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }

	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open state after timeout, got %s", cb.State())
	}

	// Successful probe closes the circuit.
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected probe error: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
	}
	cb := NewCircuitBreaker(cfg)
	cb.nowFunc = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}

	// Advance into half-open, then fail the probe.
	now = now.Add(200 * time.Millisecond)
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("probe fail")
	})

	// Freshly reopened: calls rejected again.
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen after failed probe, got %v", err)
	}
}

func TestCircuitBreaker_ShouldTripFilter(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     1 * time.Minute,
		ShouldTrip:       IsRetryable,
	}
	cb := NewCircuitBreaker(cfg)

	// A permanent error does not count toward the threshold.
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("unexpected status 401: unauthorized")
	})
	if cb.State() != CircuitClosed {
		t.Errorf("permanent error should not trip breaker, state %s", cb.State())
	}

	// A transient error does.
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("unexpected status 503: unavailable")
	})
	if cb.State() != CircuitOpen {
		t.Errorf("transient error should trip breaker, state %s", cb.State())
	}
}

func TestExecuteVal_PreservesValue(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	got, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		return "result", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "result" {
		t.Errorf("expected %q, got %q", "result", got)
	}
}

func TestProviderBreakers_IsolatesProviders(t *testing.T) {
	pb := NewProviderBreakers(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     1 * time.Minute,
	})

	// Trip provider a.
	_ = pb.Get("a").Execute(context.Background(), func(_ context.Context) error {
		return errors.New("fail")
	})

	if pb.Get("a").State() != CircuitOpen {
		t.Errorf("expected provider a open, got %s", pb.Get("a").State())
	}
	if pb.Get("b").State() != CircuitClosed {
		t.Errorf("expected provider b closed, got %s", pb.Get("b").State())
	}
}

func TestProviderBreakers_ConcurrentGet(t *testing.T) {
	pb := NewProviderBreakers(DefaultCircuitBreakerConfig())

	var wg sync.WaitGroup
	breakers := make([]*CircuitBreaker, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = pb.Get("same")
		}(i)
	}
	wg.Wait()

	for i := 1; i < 10; i++ {
		if breakers[i] != breakers[0] {
			t.Fatal("concurrent Get returned different breakers for same provider")
		}
	}
}
