// Package degrade coordinates retries, backoff and fallbacks around
// circuit-broken upstream calls, reporting every outcome to the
// service health monitor.
package degrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prilive-com/fortigo/breaker"
	"github.com/prilive-com/fortigo/fault"
	"github.com/prilive-com/fortigo/health"
	"github.com/prilive-com/fortigo/internal/obs"
)

// Fallback produces a degraded-mode result after the primary path has
// failed; lastErr is the error that triggered it.
type Fallback[T any] func(ctx context.Context, lastErr error) (T, error)

// Sleeper abstracts backoff waits so retry schedules can be asserted
// without real sleeping. Sleep returns early with ctx.Err() when the
// caller gives up mid-wait.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Settings configure the retry loop.
type Settings struct {
	// MaxRetries is the number of re-attempts after the first call.
	MaxRetries int
	// InitialBackoff is the delay before the first retry; it doubles
	// each attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubled delay.
	MaxBackoff time.Duration
}

// DefaultSettings returns the standard retry configuration.
func DefaultSettings() Settings {
	return Settings{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxRetries < 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = d.InitialBackoff
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = d.MaxBackoff
	}
	return s
}

// Manager drives an operation through its circuit breaker with retries
// and exponential backoff, falling back when the service is unavailable
// or attempts are exhausted.
type Manager[T any] struct {
	registry *breaker.Registry[T]
	monitor  *health.Monitor
	service  string
	settings Settings

	sleeper Sleeper
	logger  *slog.Logger
	rec     *obs.Recorder
}

// Option configures a Manager.
type Option[T any] func(*Manager[T])

// WithSleeper replaces the backoff sleeper, for deterministic tests.
func WithSleeper[T any](s Sleeper) Option[T] {
	return func(m *Manager[T]) {
		m.sleeper = s
	}
}

// WithLogger sets the logger for retry and fallback events.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(m *Manager[T]) {
		m.logger = logger
	}
}

// New creates a Manager for the named service, executing operations
// through breakers from registry and reporting outcomes to monitor.
func New[T any](registry *breaker.Registry[T], monitor *health.Monitor, service string, settings Settings, opts ...Option[T]) *Manager[T] {
	m := &Manager[T]{
		registry: registry,
		monitor:  monitor,
		service:  service,
		settings: settings.withDefaults(),
		sleeper:  realSleeper{},
		logger:   slog.Default(),
		rec:      obs.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute runs fn for operation through its circuit breaker, retrying
// retryable failures with exponential backoff. When the service is
// already UNAVAILABLE and a fallback is supplied, the upstream call is
// skipped entirely. The fallback, if any, is invoked at most once.
func (m *Manager[T]) Execute(ctx context.Context, operation string, fn func(context.Context) (T, error), fallback Fallback[T]) (T, error) {
	var zero T

	if fallback != nil && m.monitor.Status(m.service) == health.StatusUnavailable {
		m.logger.Warn("service unavailable, skipping upstream call",
			"service", m.service,
			"operation", operation,
		)
		m.rec.FallbackInvoked(ctx, operation, "service_unavailable")
		return fallback(ctx, fmt.Errorf("fortigo: service %q unavailable: %w", m.service, fault.ErrUpstream))
	}

	cb := m.registry.GetOrCreateDefault(operation)

	var lastErr error
	trigger := "retries_exhausted"

attempts:
	for attempt := 0; attempt <= m.settings.MaxRetries; attempt++ {
		val, err := cb.Execute(ctx, fn)
		if attempt > 0 {
			m.rec.RetryAttempt(ctx, operation, err == nil)
		}
		if err == nil {
			m.monitor.RecordOutcome(m.service, true)
			return val, nil
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			// Caller gave up; not an upstream verdict.
			return zero, err
		case errors.Is(err, fault.ErrCircuitOpen):
			// The breaker knows best; hammering it is pointless.
			trigger = "circuit_open"
			break attempts
		}

		m.monitor.RecordOutcome(m.service, false)

		if !isRetryable(err) {
			trigger = "non_retryable"
			break attempts
		}
		if attempt == m.settings.MaxRetries {
			break
		}

		delay := m.backoff(attempt)
		m.logger.Info("retrying operation",
			"operation", operation,
			"attempt", attempt+1,
			"backoff", delay,
			"error", err,
		)
		if err := m.sleeper.Sleep(ctx, delay); err != nil {
			// Caller deadline hit mid-backoff: surface the most recent
			// upstream error rather than blocking out the wait.
			return zero, lastErr
		}
	}

	if fallback != nil {
		m.logger.Warn("falling back",
			"service", m.service,
			"operation", operation,
			"trigger", trigger,
			"error", lastErr,
		)
		m.rec.FallbackInvoked(ctx, operation, trigger)
		return fallback(ctx, lastErr)
	}

	if errors.Is(lastErr, fault.ErrCircuitOpen) {
		return zero, lastErr
	}
	return zero, fmt.Errorf("fortigo: operation %q: %w: %w", operation, fault.ErrRetriesExhausted, lastErr)
}

// backoff returns InitialBackoff * 2^attempt capped at MaxBackoff.
func (m *Manager[T]) backoff(attempt int) time.Duration {
	d := m.settings.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.settings.MaxBackoff {
			return m.settings.MaxBackoff
		}
	}
	if d > m.settings.MaxBackoff {
		return m.settings.MaxBackoff
	}
	return d
}

// isRetryable classifies an attempt error. Timeouts and retryable
// upstream statuses (429, 5xx) retry; everything the upstream decided
// deliberately (other 4xx) does not. Unclassified errors are treated
// as transient transport failures and retried.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, fault.ErrUpstreamTimeout) {
		return true
	}
	var ue *fault.UpstreamError
	if errors.As(err, &ue) {
		return ue.IsRetryable()
	}
	return true
}
