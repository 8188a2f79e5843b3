package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prilive-com/fortigo/fault"
	"github.com/prilive-com/fortigo/internal/obs"
)

// Settings configures a single circuit breaker.
type Settings struct {
	// FailureThreshold is the consecutive failure count that trips
	// CLOSED -> OPEN.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays OPEN before admitting
	// a HALF_OPEN trial call.
	ResetTimeout time.Duration

	// RequestTimeout bounds each protected call.
	RequestTimeout time.Duration

	// InitialRequestTimeout is the longer allowance granted to the
	// breaker's first-ever call, which often pays one-time setup cost.
	InitialRequestTimeout time.Duration

	// OnTransition receives every state change for external metrics
	// collection. Optional.
	OnTransition func(Transition)
}

// DefaultSettings returns production-ready defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:      5,
		ResetTimeout:          30 * time.Second,
		RequestTimeout:        15 * time.Second,
		InitialRequestTimeout: 60 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = def.ResetTimeout
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = def.RequestTimeout
	}
	if s.InitialRequestTimeout <= 0 {
		s.InitialRequestTimeout = def.InitialRequestTimeout
	}
	if s.InitialRequestTimeout < s.RequestTimeout {
		s.InitialRequestTimeout = s.RequestTimeout
	}
	return s
}

// Breaker protects one named operation with a CLOSED/OPEN/HALF_OPEN
// state machine. T is the protected call's result type.
//
// All state mutations happen in single critical sections under b.mu;
// the protected call itself runs outside the lock.
type Breaker[T any] struct {
	name     string
	settings Settings
	clock    Clock
	logger   *slog.Logger
	rec      *obs.Recorder

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailure     time.Time
	openedAt        time.Time
	servedFirstCall bool

	// trial guards HALF_OPEN admission: compare-and-set guarantees
	// exactly one probe no matter how many callers arrive.
	trial atomic.Bool

	// epoch increments on every state change. A trial admitted under an
	// older epoch is stale: its verdict is dropped so a probe overtaken
	// by a manual Trip/Reset cannot clear a newer trial's slot or drive
	// a transition from outdated results.
	epoch uint64
}

// Option configures a Breaker.
type Option[T any] func(*Breaker[T])

// WithClock sets the time source. Defaults to SystemClock.
func WithClock[T any](clock Clock) Option[T] {
	return func(b *Breaker[T]) {
		b.clock = clock
	}
}

// WithLogger sets a custom logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(b *Breaker[T]) {
		b.logger = logger
	}
}

// New creates a circuit breaker for the named operation.
func New[T any](name string, settings Settings, opts ...Option[T]) *Breaker[T] {
	b := &Breaker[T]{
		name:     name,
		settings: settings.withDefaults(),
		clock:    SystemClock(),
		logger:   slog.Default(),
		rec:      obs.Default(),
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs one operation under protection, racing it against the
// breaker's request timeout. While OPEN it fails fast with a
// fault.CircuitOpenError without invoking op.
func (b *Breaker[T]) Execute(ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	return b.execute(ctx, op, false)
}

// ExecuteInit is Execute with the initial (longer) request timeout
// forced, for callers that know this particular call pays setup cost.
func (b *Breaker[T]) ExecuteInit(ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	return b.execute(ctx, op, true)
}

func (b *Breaker[T]) execute(ctx context.Context, op func(context.Context) (T, error), isInit bool) (T, error) {
	var zero T

	timeout, isTrial, epoch, err := b.admit(ctx, isInit)
	if err != nil {
		return zero, err
	}

	val, err := b.run(ctx, op, timeout)
	switch {
	case err == nil:
		b.recordSuccess(ctx, isTrial, epoch)
		return val, nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Caller cancellation is not a service failure. An interrupted
		// trial releases the slot without a transition so the next
		// caller can probe.
		b.releaseTrial(isTrial, epoch)
		return zero, err
	default:
		b.recordFailure(ctx, isTrial, epoch)
		return zero, err
	}
}

// admit decides whether the call may proceed and with which timeout.
// For admitted trials it also returns the epoch the trial belongs to.
func (b *Breaker[T]) admit(ctx context.Context, isInit bool) (time.Duration, bool, uint64, error) {
	b.mu.Lock()
	now := b.clock.Now()
	var trans *Transition

	if b.state == StateOpen {
		remaining := b.settings.ResetTimeout - now.Sub(b.openedAt)
		if remaining > 0 {
			b.mu.Unlock()
			return 0, false, 0, fault.NewCircuitOpenError(b.name, remaining)
		}
		trans = b.transitionLocked(StateHalfOpen, ReasonResetElapsed, now)
	}

	isTrial := false
	if b.state == StateHalfOpen {
		if !b.trial.CompareAndSwap(false, true) {
			// Lost the admission race: exactly one trial is in flight.
			b.mu.Unlock()
			b.notify(ctx, trans)
			return 0, false, 0, fault.NewCircuitOpenError(b.name, 0)
		}
		isTrial = true
	}

	timeout := b.settings.RequestTimeout
	if isInit || !b.servedFirstCall {
		timeout = b.settings.InitialRequestTimeout
	}
	b.servedFirstCall = true
	epoch := b.epoch
	b.mu.Unlock()

	b.notify(ctx, trans)
	return timeout, isTrial, epoch, nil
}

// run invokes op racing against the timeout. The upstream call may
// outlive the race; cancellation of an in-flight call is best-effort
// via the derived context.
func (b *Breaker[T]) run(parent context.Context, op func(context.Context) (T, error), timeout time.Duration) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && parent.Err() == nil {
			// The op observed our per-call deadline, not the caller's.
			return zero, fault.NewTimeoutError(b.name, timeout)
		}
		return out.val, out.err
	case <-ctx.Done():
		if parent.Err() != nil {
			return zero, parent.Err()
		}
		return zero, fault.NewTimeoutError(b.name, timeout)
	}
}

func (b *Breaker[T]) recordSuccess(ctx context.Context, isTrial bool, epoch uint64) {
	b.mu.Lock()
	now := b.clock.Now()
	var trans *Transition

	if isTrial {
		if epoch != b.epoch {
			// Stale trial: the breaker transitioned while this probe was
			// in flight. Its verdict no longer applies, and the trial
			// slot belongs to a newer probe.
			b.mu.Unlock()
			return
		}
		b.trial.Store(false)
		// A matching epoch means no transition happened since admission,
		// so the breaker is still HALF_OPEN.
		trans = b.transitionLocked(StateClosed, ReasonTrialSucceeded, now)
	} else if b.state == StateClosed {
		b.failureCount = 0
	}
	b.mu.Unlock()

	b.notify(ctx, trans)
}

func (b *Breaker[T]) recordFailure(ctx context.Context, isTrial bool, epoch uint64) {
	b.mu.Lock()
	now := b.clock.Now()
	var trans *Transition

	if isTrial {
		if epoch != b.epoch {
			b.mu.Unlock()
			return
		}
		b.trial.Store(false)
		b.failureCount++
		b.lastFailure = now
		// A failed trial always reopens, regardless of count.
		trans = b.transitionLocked(StateOpen, ReasonTrialFailed, now)
	} else {
		b.failureCount++
		b.lastFailure = now
		if b.state == StateClosed && b.failureCount >= b.settings.FailureThreshold {
			trans = b.transitionLocked(StateOpen, ReasonThreshold, now)
		}
	}
	b.mu.Unlock()

	b.notify(ctx, trans)
}

func (b *Breaker[T]) releaseTrial(isTrial bool, epoch uint64) {
	if !isTrial {
		return
	}
	b.mu.Lock()
	if epoch == b.epoch {
		b.trial.Store(false)
	}
	b.mu.Unlock()
}

// transitionLocked moves the state machine through the legal-transition
// table. Illegal moves are dropped and logged. Callers hold b.mu.
func (b *Breaker[T]) transitionLocked(to State, reason string, now time.Time) *Transition {
	from := b.state
	if from == to {
		return nil
	}
	if !legalTransition(from, to) {
		b.logger.Error("illegal circuit breaker transition dropped",
			"operation", b.name,
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
		return nil
	}
	b.applyLocked(to, now)
	return &Transition{Operation: b.name, From: from, To: to, Reason: reason, At: now}
}

// forceLocked applies an operator override, bypassing the table.
func (b *Breaker[T]) forceLocked(to State, reason string, now time.Time) *Transition {
	from := b.state
	b.applyLocked(to, now)
	b.failureCount = 0
	return &Transition{Operation: b.name, From: from, To: to, Reason: reason, At: now}
}

func (b *Breaker[T]) applyLocked(to State, now time.Time) {
	b.state = to
	b.trial.Store(false)
	b.epoch++
	switch to {
	case StateClosed:
		// Invariant: entering CLOSED resets the failure count.
		b.failureCount = 0
	case StateOpen:
		b.openedAt = now
	}
}

// notify emits a transition event to the logger, metrics and hook.
// Called outside b.mu so hooks never run under the lock.
func (b *Breaker[T]) notify(ctx context.Context, tr *Transition) {
	if tr == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	manual := tr.Reason == ReasonManualTrip || tr.Reason == ReasonManualReset
	attrs := []any{
		"operation", tr.Operation,
		"from", tr.From.String(),
		"to", tr.To.String(),
		"reason", tr.Reason,
	}
	if manual {
		b.logger.Warn("circuit breaker state forced", attrs...)
	} else {
		b.logger.Info("circuit breaker state changed", attrs...)
	}

	b.rec.BreakerTransition(ctx, tr.Operation, tr.From.String(), tr.To.String(), tr.Reason)

	if b.settings.OnTransition != nil {
		b.settings.OnTransition(*tr)
	}
}

// Trip forces the breaker OPEN and clears counters. Operator-level
// override, logged distinctly from automatic transitions.
func (b *Breaker[T]) Trip() {
	b.mu.Lock()
	now := b.clock.Now()
	var trans *Transition
	if b.state == StateOpen {
		// Already open: restart the reset clock.
		b.openedAt = now
		b.failureCount = 0
	} else {
		trans = b.forceLocked(StateOpen, ReasonManualTrip, now)
	}
	b.mu.Unlock()

	b.notify(context.Background(), trans)
}

// Reset forces the breaker CLOSED and clears counters. Operator-level
// override, logged distinctly from automatic transitions.
func (b *Breaker[T]) Reset() {
	b.mu.Lock()
	now := b.clock.Now()
	var trans *Transition
	if b.state == StateClosed {
		b.failureCount = 0
	} else {
		trans = b.forceLocked(StateClosed, ReasonManualReset, now)
	}
	b.mu.Unlock()

	b.notify(context.Background(), trans)
}

// Name returns the operation name this breaker guards.
func (b *Breaker[T]) Name() string { return b.name }

// State returns the current state.
func (b *Breaker[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker[T]) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// LastFailure returns when the most recent failure was recorded.
func (b *Breaker[T]) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

// OpenRemaining returns how long the breaker keeps failing fast before
// the next trial may be admitted. Zero when a call may proceed.
func (b *Breaker[T]) OpenRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.settings.ResetTimeout - b.clock.Now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
