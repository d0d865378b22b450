// Package resilience provides circuit breaking, retry, rate limiting, and
// error classification for research provider calls.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError wraps an error that retrying cannot fix (auth, validation).
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps an error as permanent with an optional HTTP status code.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// IsRetryable reports whether the error is safe to retry: an explicit
// TransientError in the chain, a network timeout, a connection-level
// failure, or a message matching transient provider patterns. An explicit
// PermanentError (or a 4xx auth/validation signature) always wins.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())

	// Auth and validation failures are never retryable, regardless of
	// what else the message contains.
	permanentPatterns := []string{
		"status 400", "status 401", "status 403", "status 404", "status 422",
		"unauthorized", "forbidden", "invalid api key", "invalid_request",
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}

	transientPatterns := []string{
		"429", "500", "502", "503", "504", "408",
		"timeout", "timed out",
		"too many requests",
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsRetryableHTTPStatus reports whether the HTTP status code indicates a
// transient server-side issue.
func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsRetryable(err) {
		return "transient"
	}
	return "permanent"
}
