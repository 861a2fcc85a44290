package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMachine(t *testing.T) {
	m := NewMachine()
	require.NotNil(t, m)

	state, err := m.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
	assert.False(t, m.IsOpen())
}

func TestMachine_ConnectFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	err := m.Fire(ctx, TriggerConnect)
	require.NoError(t, err)
	state, _ := m.State(ctx)
	assert.Equal(t, StateConnecting, state)

	err = m.Fire(ctx, TriggerOpened)
	require.NoError(t, err)
	state, _ = m.State(ctx)
	assert.Equal(t, StateOpen, state)
	assert.True(t, m.IsOpen())
}

func TestMachine_ConnectionLostFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	_ = m.Fire(ctx, TriggerConnect)
	_ = m.Fire(ctx, TriggerOpened)

	err := m.Fire(ctx, TriggerConnectionLost)
	require.NoError(t, err)
	state, _ := m.State(ctx)
	assert.Equal(t, StateDisconnected, state)

	// Reconnect re-enters Connecting
	err = m.Fire(ctx, TriggerConnect)
	require.NoError(t, err)
	state, _ = m.State(ctx)
	assert.Equal(t, StateConnecting, state)
}

func TestMachine_ConnectionLostWhileConnecting(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	_ = m.Fire(ctx, TriggerConnect)
	err := m.Fire(ctx, TriggerConnectionLost)
	require.NoError(t, err)
	state, _ := m.State(ctx)
	assert.Equal(t, StateDisconnected, state)
}

func TestMachine_CloseFlow(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(m *Machine)
		fromState State
	}{
		{
			name:      "from disconnected",
			setupFunc: func(m *Machine) {},
			fromState: StateDisconnected,
		},
		{
			name: "from connecting",
			setupFunc: func(m *Machine) {
				_ = m.Fire(context.Background(), TriggerConnect)
			},
			fromState: StateConnecting,
		},
		{
			name: "from open",
			setupFunc: func(m *Machine) {
				ctx := context.Background()
				_ = m.Fire(ctx, TriggerConnect)
				_ = m.Fire(ctx, TriggerOpened)
			},
			fromState: StateOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := NewMachine()
			tt.setupFunc(m)

			state, _ := m.State(ctx)
			assert.Equal(t, tt.fromState, state)

			require.NoError(t, m.Fire(ctx, TriggerClose))
			state, _ = m.State(ctx)
			assert.Equal(t, StateClosing, state)

			require.NoError(t, m.Fire(ctx, TriggerClosed))
			state, _ = m.State(ctx)
			assert.Equal(t, StateDisconnected, state)
		})
	}
}

func TestMachine_AbortClose(t *testing.T) {
	for _, from := range []State{StateConnecting, StateOpen} {
		t.Run(string(from), func(t *testing.T) {
			ctx := context.Background()
			m := NewMachine()
			require.NoError(t, m.Fire(ctx, TriggerConnect))
			if from == StateOpen {
				require.NoError(t, m.Fire(ctx, TriggerOpened))
			}

			var triggers []Trigger
			m.OnTransition(func(_ context.Context, _, _ State, trigger Trigger) {
				triggers = append(triggers, trigger)
			})

			require.NoError(t, m.Fire(ctx, TriggerClose))
			require.NoError(t, m.AbortClose(ctx, from))
			assert.Equal(t, from, m.MustState())
			assert.Equal(t, from == StateOpen, m.IsOpen())
			assert.Equal(t, []Trigger{TriggerClose, TriggerCloseAborted}, triggers)
		})
	}

	t.Run("outside closing", func(t *testing.T) {
		m := NewMachine()
		require.NoError(t, m.AbortClose(context.Background(), StateOpen))
		assert.Equal(t, StateDisconnected, m.MustState())
	})

	t.Run("closing is not a destination", func(t *testing.T) {
		ctx := context.Background()
		m := NewMachine()
		require.NoError(t, m.Fire(ctx, TriggerClose))
		require.NoError(t, m.AbortClose(ctx, StateClosing))
		assert.Equal(t, StateDisconnected, m.MustState())
	})
}

func TestMachine_ConnectionLostIgnoredWhenDisconnected(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	err := m.Fire(ctx, TriggerConnectionLost)
	require.NoError(t, err)
	state, _ := m.State(ctx)
	assert.Equal(t, StateDisconnected, state)
}

func TestMachine_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	err := m.Fire(ctx, TriggerOpened)
	assert.Error(t, err)
}

func TestMachine_FireIfPermitted(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	fired, err := m.FireIfPermitted(ctx, TriggerOpened)
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = m.FireIfPermitted(ctx, TriggerConnect)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, StateConnecting, m.MustState())
}

func TestMachine_IsInState(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	_ = m.Fire(ctx, TriggerConnect)
	_ = m.Fire(ctx, TriggerOpened)

	isOpen, err := m.IsInState(ctx, StateOpen)
	require.NoError(t, err)
	assert.True(t, isOpen)

	isDisconnected, err := m.IsInState(ctx, StateDisconnected)
	require.NoError(t, err)
	assert.False(t, isDisconnected)
}

func TestMachine_CanFire(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	canConnect, err := m.CanFire(ctx, TriggerConnect)
	require.NoError(t, err)
	assert.True(t, canConnect)

	canOpen, err := m.CanFire(ctx, TriggerOpened)
	require.NoError(t, err)
	assert.False(t, canOpen)
}

func TestMachine_OnTransitionCallback(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	var transitions []struct {
		from    State
		to      State
		trigger Trigger
	}

	m.OnTransition(func(ctx context.Context, from, to State, trigger Trigger) {
		transitions = append(transitions, struct {
			from    State
			to      State
			trigger Trigger
		}{from, to, trigger})
	})

	_ = m.Fire(ctx, TriggerConnect)
	_ = m.Fire(ctx, TriggerOpened)
	_ = m.Fire(ctx, TriggerConnectionLost)

	require.Len(t, transitions, 3)
	assert.Equal(t, StateDisconnected, transitions[0].from)
	assert.Equal(t, StateConnecting, transitions[0].to)
	assert.Equal(t, TriggerConnect, transitions[0].trigger)
	assert.Equal(t, StateOpen, transitions[2].from)
	assert.Equal(t, StateDisconnected, transitions[2].to)
}

func TestState_Gauge(t *testing.T) {
	assert.Equal(t, 0.0, StateDisconnected.Gauge())
	assert.Equal(t, 1.0, StateConnecting.Gauge())
	assert.Equal(t, 2.0, StateOpen.Gauge())
	assert.Equal(t, 3.0, StateClosing.Gauge())
}
