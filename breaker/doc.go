// Package breaker implements a per-operation circuit breaker with an
// explicit CLOSED/OPEN/HALF_OPEN state machine and a process-wide
// directory of breakers keyed by operation name.
//
// While CLOSED, calls pass through racing a request timeout; once
// consecutive failures reach the threshold the breaker OPENs and fails
// fast without touching the failing dependency. After the reset timeout
// a single HALF_OPEN trial probes recovery: success closes the breaker,
// failure reopens it. The first-ever call through a breaker is granted
// a longer initial timeout, since first calls often pay one-time setup
// cost.
//
// Transitions are driven by an injectable Clock so time-dependent
// behavior is deterministic under test, and every transition is emitted
// as a structured event for external metrics collection.
package breaker
