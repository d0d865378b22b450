package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit 429", errors.New("perplexity: unexpected status 429: too many requests"), true},
		{"server error 500", errors.New("jina: status 500: internal"), true},
		{"bad gateway 502", errors.New("status 502"), true},
		{"unavailable 503", errors.New("unexpected status 503: upstream busy"), true},
		{"gateway timeout 504", errors.New("status 504"), true},
		{"request timeout", errors.New("context deadline exceeded (Client.Timeout exceeded while awaiting headers): timeout"), true},
		{"io timeout", errors.New("read tcp 10.0.0.1:443: i/o timeout"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"dns failure", errors.New("dial tcp: lookup api.example.com: no such host"), true},
		{"unauthorized 401", errors.New("perplexity: unexpected status 401: unauthorized"), false},
		{"forbidden 403", errors.New("jina: status 403: forbidden"), false},
		{"bad request 400", errors.New("unexpected status 400: malformed"), false},
		{"not found 404", errors.New("unexpected status 404"), false},
		{"invalid api key", errors.New("invalid api key"), false},
		{"plain error", errors.New("something else went wrong"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsRetryable_ExplicitTypes(t *testing.T) {
	base := errors.New("boom")

	if !IsRetryable(NewTransientError(base, 503)) {
		t.Error("TransientError should be retryable")
	}
	if IsRetryable(NewPermanentError(base, 401)) {
		t.Error("PermanentError should not be retryable")
	}

	// Explicit types win through wrapping.
	wrapped := fmt.Errorf("step failed: %w", NewPermanentError(errors.New("timeout"), 401))
	if IsRetryable(wrapped) {
		t.Error("wrapped PermanentError should not be retryable even with transient text")
	}
}

func TestIsRetryable_ContextDeadline(t *testing.T) {
	// context.DeadlineExceeded implements net.Error with Timeout() true,
	// so a provider returning ctx.Err() directly is still retryable.
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("bare context.DeadlineExceeded should be retryable")
	}
	if !IsRetryable(fmt.Errorf("anthropic: create message: %w", context.DeadlineExceeded)) {
		t.Error("wrapped context.DeadlineExceeded should be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled is not a timeout and should not be retryable")
	}
}

func TestIsRetryable_PermanentSignatureWins(t *testing.T) {
	// A 401 body that happens to mention a retryable word stays permanent.
	err := errors.New("unexpected status 401: gateway timeout while validating key")
	if IsRetryable(err) {
		t.Error("401 must not be retryable regardless of message text")
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Errorf("status %d should be retryable", code)
		}
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 422} {
		if IsRetryableHTTPStatus(code) {
			t.Errorf("status %d should not be retryable", code)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(errors.New("status 503")); got != "transient" {
		t.Errorf("expected transient, got %s", got)
	}
	if got := ClassifyError(errors.New("status 401")); got != "permanent" {
		t.Errorf("expected permanent, got %s", got)
	}
}

func TestDLQEntry_CanRetry(t *testing.T) {
	e := DLQEntry{RetryCount: 2, MaxRetries: 3}
	if !e.CanRetry() {
		t.Error("expected retryable below max")
	}
	e.RetryCount = 3
	if e.CanRetry() {
		t.Error("expected not retryable at max")
	}
}
