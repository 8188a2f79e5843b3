package fault

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors - use with errors.Is()
var (
	// Resilience errors
	ErrCircuitOpen      = errors.New("fortigo: circuit breaker open")
	ErrRateLimited      = errors.New("fortigo: rate limit exceeded")
	ErrUpstreamTimeout  = errors.New("fortigo: upstream call timed out")
	ErrUpstream         = errors.New("fortigo: upstream call failed")
	ErrRetriesExhausted = errors.New("fortigo: retries exhausted")

	// Validation errors
	ErrInvalidConfig    = errors.New("fortigo: invalid configuration")
	ErrInvalidOperation = errors.New("fortigo: invalid operation")
)

// CircuitOpenError is returned when a call is rejected because the
// operation's circuit breaker is OPEN (or a HALF_OPEN trial is already
// in flight). The call was never dispatched upstream.
type CircuitOpenError struct {
	Operation string
	RetryIn   time.Duration // time until the next trial may be admitted
}

func (e *CircuitOpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("fortigo: %s rejected: circuit open (retry in %s)", e.Operation, e.RetryIn)
	}
	return fmt.Sprintf("fortigo: %s rejected: circuit open", e.Operation)
}

// Unwrap returns ErrCircuitOpen for errors.Is() support.
func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// NewCircuitOpenError creates a CircuitOpenError for an operation.
func NewCircuitOpenError(operation string, retryIn time.Duration) *CircuitOpenError {
	if retryIn < 0 {
		retryIn = 0
	}
	return &CircuitOpenError{Operation: operation, RetryIn: retryIn}
}

// RateLimitError is returned when a caller's token bucket is empty.
// RetryAfter is derived from the token deficit and refill rate.
type RateLimitError struct {
	CallerKey  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("fortigo: caller %q rate limited (retry after %s)", e.CallerKey, e.RetryAfter)
}

// Unwrap returns ErrRateLimited for errors.Is() support.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// NewRateLimitError creates a RateLimitError with a retry-after hint.
func NewRateLimitError(callerKey string, retryAfter time.Duration) *RateLimitError {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &RateLimitError{CallerKey: callerKey, RetryAfter: retryAfter}
}

// TimeoutError is returned when an upstream call lost the race against
// the breaker's request timeout. Counted as a breaker failure.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fortigo: %s timed out after %s", e.Operation, e.Timeout)
}

// Unwrap returns ErrUpstreamTimeout for errors.Is() support.
func (e *TimeoutError) Unwrap() error { return ErrUpstreamTimeout }

// NewTimeoutError creates a TimeoutError for an operation.
func NewTimeoutError(operation string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Timeout: timeout}
}

// UpstreamError wraps a failure reported by the underlying call.
// Use errors.As() to extract details, errors.Is() to match ErrUpstream.
type UpstreamError struct {
	Operation  string
	StatusCode int // 0 when the failure carried no HTTP status
	Message    string
	cause      error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fortigo: %s failed: %s (status=%d)", e.Operation, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("fortigo: %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying cause chain for errors.Is() support.
func (e *UpstreamError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrUpstream
}

// IsRetryable returns true if the failure is temporary and may succeed
// on retry: rate pressure (429) or transient server errors (500-504).
func (e *UpstreamError) IsRetryable() bool {
	if e.StatusCode == 0 {
		// No status means transport-level failure; worth retrying.
		return true
	}
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode <= 504)
}

// NewUpstreamError creates an UpstreamError for an operation.
func NewUpstreamError(operation string, statusCode int, message string) *UpstreamError {
	return &UpstreamError{
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		cause:      ErrUpstream,
	}
}

// WrapUpstream wraps an arbitrary error from the underlying call so it
// matches ErrUpstream while preserving the original chain.
func WrapUpstream(operation string, err error) *UpstreamError {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return &UpstreamError{
		Operation: operation,
		Message:   err.Error(),
		cause:     fmt.Errorf("%w: %w", ErrUpstream, err),
	}
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("fortigo: config: %s - %s", e.Key, e.Message)
}

// Unwrap returns ErrInvalidConfig for errors.Is() support.
func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// NewConfigError creates a new ConfigError.
func NewConfigError(key, message string) *ConfigError {
	return &ConfigError{Key: key, Message: message}
}
