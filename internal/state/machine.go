package state

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with session-specific behavior.
type Machine struct {
	sm          *stateless.StateMachine
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine() *Machine {
	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(StateDisconnected)

	sm.Configure(StateDisconnected).
		Permit(TriggerConnect, StateConnecting).
		Permit(TriggerClose, StateClosing).
		Ignore(TriggerConnectionLost).
		Ignore(TriggerClosed)

	sm.Configure(StateConnecting).
		Permit(TriggerOpened, StateOpen).
		Permit(TriggerConnectionLost, StateDisconnected).
		Permit(TriggerClose, StateClosing)

	// Open is the only operational state
	sm.Configure(StateOpen).
		Permit(TriggerConnectionLost, StateDisconnected).
		Permit(TriggerClose, StateClosing)

	// A close event racing an explicit logout still lands in Disconnected.
	sm.Configure(StateClosing).
		Permit(TriggerClosed, StateDisconnected).
		Permit(TriggerConnectionLost, StateDisconnected).
		PermitDynamic(TriggerCloseAborted, abortedCloseDestination)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

func abortedCloseDestination(_ context.Context, args ...any) (stateless.State, error) {
	if len(args) == 1 {
		if to, ok := args[0].(State); ok && to != StateClosing {
			return to, nil
		}
	}
	return StateDisconnected, nil
}

// AbortClose leaves Closing for the state the close started from. It is a
// no-op outside Closing.
func (m *Machine) AbortClose(ctx context.Context, to State) error {
	closing, err := m.IsInState(ctx, StateClosing)
	if err != nil || !closing {
		return err
	}
	return m.Fire(ctx, TriggerCloseAborted, to)
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	return m.sm.FireCtx(ctx, trigger, args...)
}

// FireIfPermitted fires trigger only when the current state allows it and
// reports whether a transition was attempted.
func (m *Machine) FireIfPermitted(ctx context.Context, trigger Trigger) (bool, error) {
	ok, err := m.CanFire(ctx, trigger)
	if err != nil || !ok {
		return false, err
	}
	return true, m.Fire(ctx, trigger)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger, args ...any) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger, args...)
}

// IsInState returns true if the machine is in the specified state.
func (m *Machine) IsInState(ctx context.Context, state State) (bool, error) {
	currentState, err := m.State(ctx)
	if err != nil {
		return false, err
	}
	return currentState == state, nil
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}

// IsOpen returns true if the connection is in Open state.
func (m *Machine) IsOpen() bool {
	return m.MustState().IsOperational()
}
