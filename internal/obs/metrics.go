package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/prilive-com/fortigo"

// Recorder emits resilience events as OpenTelemetry metrics: breaker
// transitions, retry attempts, rate-limit rejections and fallback
// invocations. The exporter is a host concern; without a configured SDK
// the global provider is a no-op and recording costs almost nothing.
type Recorder struct {
	transitions metric.Int64Counter
	retries     metric.Int64Counter
	rejections  metric.Int64Counter
	fallbacks   metric.Int64Counter
}

// NewRecorder creates a Recorder with instruments from the given meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	transitions, err := meter.Int64Counter(
		"resilience.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"resilience.retry.attempts",
		metric.WithDescription("Upstream call attempts made under retry policy"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"resilience.ratelimit.rejections",
		metric.WithDescription("Calls rejected by the per-caller rate limiter"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, err
	}

	fallbacks, err := meter.Int64Counter(
		"resilience.fallback.invocations",
		metric.WithDescription("Fallback invocations masking upstream failures"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		transitions: transitions,
		retries:     retries,
		rejections:  rejections,
		fallbacks:   fallbacks,
	}, nil
}

var (
	defaultOnce sync.Once
	defaultRec  *Recorder
)

// Default returns the process-wide Recorder backed by the global meter
// provider. Instrument creation from the global provider cannot fail,
// but a zero Recorder is returned defensively if it ever does.
func Default() *Recorder {
	defaultOnce.Do(func() {
		rec, err := NewRecorder(otel.Meter(scopeName))
		if err != nil {
			rec = &Recorder{}
		}
		defaultRec = rec
	})
	return defaultRec
}

// BreakerTransition records one circuit breaker state change.
func (r *Recorder) BreakerTransition(ctx context.Context, operation, from, to, reason string) {
	if r == nil || r.transitions == nil {
		return
	}
	r.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("reason", reason),
	))
}

// RetryAttempt records one attempt outcome under the retry policy.
func (r *Recorder) RetryAttempt(ctx context.Context, operation string, success bool) {
	if r == nil || r.retries == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RateLimitRejection records one rejected call for a caller key.
func (r *Recorder) RateLimitRejection(ctx context.Context, callerKey string) {
	if r == nil || r.rejections == nil {
		return
	}
	r.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("caller", callerKey),
	))
}

// FallbackInvoked records one fallback invocation and what triggered it.
func (r *Recorder) FallbackInvoked(ctx context.Context, operation, trigger string) {
	if r == nil || r.fallbacks == nil {
		return
	}
	r.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("trigger", trigger),
	))
}
