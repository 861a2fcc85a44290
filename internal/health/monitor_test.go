package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/config"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/state"
)

func TestNewMonitor(t *testing.T) {
	cfg := config.DefaultConfig()
	sm := state.NewMachine()

	m := NewMonitor(cfg, sm, nil)
	require.NotNil(t, m)
	assert.Equal(t, cfg.MaxRetries, m.maxRetries)
	assert.Equal(t, 0, m.RetryCount())
}

func TestMonitor_GetStatus(t *testing.T) {
	cfg := config.DefaultConfig()
	sm := state.NewMachine()
	m := NewMonitor(cfg, sm, nil)

	status := m.GetStatus()
	assert.Equal(t, string(state.StateDisconnected), status.State)
	assert.False(t, status.Connected)
	assert.Equal(t, 3, status.MaxRetries)
	assert.GreaterOrEqual(t, status.UptimeSeconds, int64(0))

	ctx := context.Background()
	_ = sm.Fire(ctx, state.TriggerConnect)
	_ = sm.Fire(ctx, state.TriggerOpened)

	status = m.GetStatus()
	assert.Equal(t, string(state.StateOpen), status.State)
	assert.True(t, status.Connected)
}

func TestMonitor_RecordMessage(t *testing.T) {
	cfg := config.DefaultConfig()
	m := NewMonitor(cfg, state.NewMachine(), nil)

	before := time.Now()
	m.RecordMessageReceived()
	m.RecordMessageReceived()
	m.RecordMessageSent()

	status := m.GetStatus()
	assert.Equal(t, int64(2), status.MessagesReceived)
	assert.Equal(t, int64(1), status.MessagesSent)
	assert.False(t, status.LastMessage.Before(before))
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		retryCount  int
		maxRetries  int
		phone       bool
		hasIdentity bool
		want        Decision
	}{
		{
			name:       "first retry never resets",
			retryCount: 0, maxRetries: 3, phone: true, hasIdentity: true,
			want: Decision{Retry: true, ResetSession: false, Attempt: 1},
		},
		{
			name:       "second retry with phone resets",
			retryCount: 1, maxRetries: 3, phone: true,
			want: Decision{Retry: true, ResetSession: true, Attempt: 2},
		},
		{
			name:       "second retry with stored identity resets",
			retryCount: 1, maxRetries: 3, hasIdentity: true,
			want: Decision{Retry: true, ResetSession: true, Attempt: 2},
		},
		{
			name:       "second retry qr only keeps session",
			retryCount: 1, maxRetries: 3,
			want: Decision{Retry: true, ResetSession: false, Attempt: 2},
		},
		{
			name:       "budget spent",
			retryCount: 3, maxRetries: 3, phone: true,
			want: Decision{Retry: false, Attempt: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.retryCount, tt.maxRetries, tt.phone, tt.hasIdentity)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecide_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRetries := rapid.IntRange(1, 20).Draw(t, "maxRetries")
		count := rapid.IntRange(0, 25).Draw(t, "count")
		phone := rapid.Bool().Draw(t, "phone")
		hasIdentity := rapid.Bool().Draw(t, "hasIdentity")

		d := Decide(count, maxRetries, phone, hasIdentity)

		if d.Retry != (count < maxRetries) {
			t.Fatalf("retry=%v for count=%d max=%d", d.Retry, count, maxRetries)
		}
		if d.ResetSession && (d.Attempt <= 1 || !(phone || hasIdentity)) {
			t.Fatalf("unexpected reset: %+v", d)
		}
		if !d.Retry && d.ResetSession {
			t.Fatal("reset without retry")
		}
	})
}

func TestMonitor_RetryBudget(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	m := NewMonitor(cfg, state.NewMachine(), nil)

	d := m.OnTransientClose(false, false)
	assert.True(t, d.Retry)
	assert.Equal(t, 1, m.RetryCount())

	d = m.OnTransientClose(false, false)
	assert.True(t, d.Retry)
	assert.Equal(t, 2, m.RetryCount())

	d = m.OnTransientClose(false, false)
	assert.False(t, d.Retry)
	assert.Equal(t, 2, m.RetryCount())
	assert.Equal(t, 2, m.GetReconnectCount())

	m.OnConnectionRestored()
	assert.Equal(t, 0, m.RetryCount())
	assert.True(t, m.OnTransientClose(false, false).Retry)
}

func TestMonitor_ReconnectDelay(t *testing.T) {
	t.Run("zero base delay reconnects immediately", func(t *testing.T) {
		cfg := config.DefaultConfig()
		m := NewMonitor(cfg, state.NewMachine(), nil)
		assert.Equal(t, time.Duration(0), m.NextReconnectDelay())
	})

	t.Run("exponential backoff stays within bounds", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.RetryBaseDelay = 100 * time.Millisecond
		cfg.RetryMaxDelay = time.Second
		m := NewMonitor(cfg, state.NewMachine(), nil)

		for range 5 {
			delay := m.NextReconnectDelay()
			assert.Greater(t, delay, time.Duration(0))
			assert.LessOrEqual(t, delay, cfg.RetryMaxDelay)
		}

		m.OnConnectionRestored()
		delay := m.NextReconnectDelay()
		assert.LessOrEqual(t, delay, 150*time.Millisecond)
	})
}
