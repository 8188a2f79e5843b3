package breaker

import "time"

// State is the circuit breaker state machine position.
type State int

const (
	StateClosed State = iota // normal operation, calls pass through
	StateOpen                // failing fast, calls rejected
	StateHalfOpen            // probing recovery with a single trial call
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Transition reasons. Manual reasons mark operator overrides and are
// logged distinctly from automatic transitions.
const (
	ReasonThreshold      = "failure threshold reached"
	ReasonResetElapsed   = "reset timeout elapsed"
	ReasonTrialSucceeded = "trial succeeded"
	ReasonTrialFailed    = "trial failed"
	ReasonManualTrip     = "manual trip"
	ReasonManualReset    = "manual reset"
)

// Transition describes one state change, emitted to the OnTransition
// hook for external metrics collection.
type Transition struct {
	Operation string
	From      State
	To        State
	Reason    string
	At        time.Time
}

// legalTransition is the automatic transition table. OPEN -> CLOSED is
// deliberately absent: recovery must pass through HALF_OPEN. Manual
// trip/reset bypass the table via force.
func legalTransition(from, to State) bool {
	switch from {
	case StateClosed:
		return to == StateOpen
	case StateOpen:
		return to == StateHalfOpen
	case StateHalfOpen:
		return to == StateClosed || to == StateOpen
	default:
		return false
	}
}
