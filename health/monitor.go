// Package health tracks per-service call outcomes over a rolling window
// and classifies each service as HEALTHY, DEGRADED or UNAVAILABLE.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prilive-com/fortigo/breaker"
)

// Status classifies a service by recent failure rate.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusDegraded:
		return "DEGRADED"
	case StatusUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Thresholds configure the rolling window and the failure-rate
// watermarks separating the three statuses.
type Thresholds struct {
	// Window is how far back outcomes are counted.
	Window time.Duration
	// Degraded is the failure rate at which a service leaves HEALTHY.
	Degraded float64
	// Unavailable is the failure rate at which a service is considered
	// down.
	Unavailable float64
	// MinSamples is the minimum number of outcomes inside the window
	// before the rate is trusted; below it the service reads HEALTHY.
	MinSamples int
}

// DefaultThresholds returns the standard watermarks.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:      60 * time.Second,
		Degraded:    0.25,
		Unavailable: 0.60,
		MinSamples:  5,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Window <= 0 {
		t.Window = d.Window
	}
	if t.Degraded <= 0 {
		t.Degraded = d.Degraded
	}
	if t.Unavailable <= 0 {
		t.Unavailable = d.Unavailable
	}
	if t.MinSamples <= 0 {
		t.MinSamples = d.MinSamples
	}
	return t
}

type outcome struct {
	at      time.Time
	success bool
}

type serviceEntry struct {
	mu             sync.Mutex
	outcomes       []outcome
	probe          func() bool
	lastStatus     Status
	lastTransition time.Time
}

// Monitor aggregates call outcomes per service name. Entries are
// created lazily and each carries its own mutex, so reporting for one
// service never blocks reads of another.
type Monitor struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry

	thresholds Thresholds
	clock      breaker.Clock
	logger     *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the time source, for deterministic window tests.
func WithClock(clock breaker.Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// WithLogger sets the logger used for status-transition events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a Monitor with the given thresholds; zero fields
// fall back to DefaultThresholds.
func NewMonitor(thresholds Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		services:   make(map[string]*serviceEntry),
		thresholds: thresholds.withDefaults(),
		clock:      breaker.SystemClock(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) entry(service string) *serviceEntry {
	m.mu.RLock()
	e, ok := m.services[service]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.services[service]; ok {
		return e
	}
	e = &serviceEntry{lastStatus: StatusHealthy}
	m.services[service] = e
	return e
}

// RecordOutcome appends a success or failure for service, stamped with
// the monitor's clock, and re-evaluates the service's status.
func (m *Monitor) RecordOutcome(service string, success bool) {
	now := m.clock.Now()
	e := m.entry(service)

	e.mu.Lock()
	e.outcomes = append(e.outcomes, outcome{at: now, success: success})
	m.pruneLocked(e, now)
	from, to := m.refreshLocked(e, now)
	e.mu.Unlock()

	if from != to {
		m.logger.Info("service status changed",
			"service", service,
			"from", from.String(),
			"to", to.String(),
		)
	}
}

// Status returns the service's current classification. An unknown
// service reads HEALTHY.
func (m *Monitor) Status(service string) Status {
	now := m.clock.Now()
	e := m.entry(service)

	e.mu.Lock()
	m.pruneLocked(e, now)
	from, to := m.refreshLocked(e, now)
	e.mu.Unlock()

	if from != to {
		m.logger.Info("service status changed",
			"service", service,
			"from", from.String(),
			"to", to.String(),
		)
	}
	return to
}

// FailureRate returns the fraction of failed outcomes inside the
// window, and the sample count it was computed from.
func (m *Monitor) FailureRate(service string) (float64, int) {
	now := m.clock.Now()
	e := m.entry(service)

	e.mu.Lock()
	defer e.mu.Unlock()
	m.pruneLocked(e, now)
	return rateLocked(e)
}

// LastTransition returns when the service last changed status; zero if
// it never has.
func (m *Monitor) LastTransition(service string) time.Time {
	e := m.entry(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTransition
}

// BindBreaker registers a probe for the service's primary circuit
// breaker. While the probe reports true (breaker OPEN) the service is
// forced UNAVAILABLE regardless of the windowed rate.
func (m *Monitor) BindBreaker(service string, probe func() bool) {
	e := m.entry(service)
	e.mu.Lock()
	e.probe = probe
	e.mu.Unlock()
}

func (m *Monitor) pruneLocked(e *serviceEntry, now time.Time) {
	horizon := now.Add(-m.thresholds.Window)
	i := 0
	for i < len(e.outcomes) && e.outcomes[i].at.Before(horizon) {
		i++
	}
	if i > 0 {
		e.outcomes = append(e.outcomes[:0], e.outcomes[i:]...)
	}
}

func rateLocked(e *serviceEntry) (float64, int) {
	n := len(e.outcomes)
	if n == 0 {
		return 0, 0
	}
	failures := 0
	for _, o := range e.outcomes {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(n), n
}

// refreshLocked recomputes the status and records the transition
// timestamp on change. Returns the previous and current status.
func (m *Monitor) refreshLocked(e *serviceEntry, now time.Time) (Status, Status) {
	from := e.lastStatus
	to := m.classifyLocked(e)
	if to != from {
		e.lastStatus = to
		e.lastTransition = now
	}
	return from, to
}

func (m *Monitor) classifyLocked(e *serviceEntry) Status {
	if e.probe != nil && e.probe() {
		return StatusUnavailable
	}

	rate, n := rateLocked(e)
	if n < m.thresholds.MinSamples {
		return StatusHealthy
	}
	switch {
	case rate >= m.thresholds.Unavailable:
		return StatusUnavailable
	case rate >= m.thresholds.Degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
