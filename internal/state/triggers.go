package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerConnect        Trigger = "connect"
	TriggerOpened         Trigger = "opened"
	TriggerConnectionLost Trigger = "connection_lost"
	TriggerClose          Trigger = "close"
	TriggerClosed         Trigger = "closed"
	// TriggerCloseAborted returns from Closing to the state passed as its
	// argument, for a logout that failed.
	TriggerCloseAborted Trigger = "close_aborted"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
