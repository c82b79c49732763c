package session

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a [Controller].
//
// Transitions: Idle → Connecting → Active → Closing → Idle, with Errored
// reachable from Connecting and Active and always followed by Idle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateErrored
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusText returns the short status line a UI shows for the state.
func (s State) StatusText() string {
	switch s {
	case StateIdle:
		return "Ready"
	case StateConnecting:
		return "Connecting…"
	case StateActive:
		return "Live — speak now"
	case StateClosing:
		return "Session ended"
	case StateErrored:
		return "Session error"
	default:
		return ""
	}
}

// StateChange is delivered to [Config.OnStateChange] on every transition.
type StateChange struct {
	// SessionID identifies the session the transition belongs to. Empty
	// only for the move back to Idle after a start that never got an id.
	SessionID string

	From State
	To   State

	// Err is the fatal error that caused a transition to Errored, or nil.
	Err error

	At time.Time
}
