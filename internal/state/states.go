// Package state provides the finite state machine for the WhatsApp session connection lifecycle.
package state

// State represents a connection state in the session lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsOperational returns true if send and group operations may run.
func (s State) IsOperational() bool {
	return s == StateOpen
}

// Gauge maps the state to a stable numeric value for metrics.
func (s State) Gauge() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateOpen:
		return 2
	case StateClosing:
		return 3
	default:
		return 0
	}
}
