package schema

import "time"

// UIStatus is the transient status the root view renders.
type UIStatus string

const (
	// StatusLoading blocks the UI while an attempt is in flight.
	StatusLoading UIStatus = "loading"
	// StatusSuccess shows the authenticated or public navigation tree.
	StatusSuccess UIStatus = "success"
	// StatusError shows the recoverable error view.
	StatusError UIStatus = "error"
)

// Phase is the reconciler state for the current attempt.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseLoading       Phase = "loading"
	PhaseAuthenticated Phase = "authenticated"
	PhaseLoggedOut     Phase = "logged_out"
	PhaseFailed        Phase = "failed"
)

// Terminal reports whether the phase ends an attempt.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseAuthenticated, PhaseLoggedOut, PhaseFailed:
		return true
	default:
		return false
	}
}

// Status maps a phase onto the UI status it renders as.
func (p Phase) Status() UIStatus {
	switch p {
	case PhaseAuthenticated, PhaseLoggedOut:
		return StatusSuccess
	case PhaseFailed:
		return StatusError
	default:
		return StatusLoading
	}
}

// Snapshot is a read-only view of session state.
type Snapshot struct {
	Attempt uint64
	Phase   Phase
	Status  UIStatus
	Record  Record
	Err     string
	At      time.Time
}
