// Package health tracks session health and owns the reconnection retry budget.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/config"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/state"
)

// Status represents the health status of the session.
type Status struct {
	State            string    `json:"state"`
	Connected        bool      `json:"connected"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	LastMessage      time.Time `json:"last_message"`
	RetryCount       int       `json:"retry_count"`
	MaxRetries       int       `json:"max_retries"`
	ReconnectCount   int       `json:"reconnect_count"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesSent     int64     `json:"messages_sent"`
}

// Decision is the outcome of a transient close.
type Decision struct {
	// Retry is false once the budget is spent.
	Retry bool
	// ResetSession asks for stored session state to be destroyed first.
	ResetSession bool
	// Attempt is the retry counter after this decision.
	Attempt int
}

// Decide applies the retry policy to the current counter. From the second
// retry on, stored session state is reset when pairing by phone number or
// when the creds hold an account identity; the first retry never resets.
func Decide(retryCount, maxRetries int, phoneConfigured, hasIdentity bool) Decision {
	if retryCount >= maxRetries {
		return Decision{Retry: false, Attempt: retryCount}
	}
	attempt := retryCount + 1
	return Decision{
		Retry:        true,
		ResetSession: attempt > 1 && (phoneConfigured || hasIdentity),
		Attempt:      attempt,
	}
}

// Monitor tracks session health and reconnection accounting.
type Monitor struct {
	stateMachine *state.Machine
	log          *slog.Logger

	reconnectBackoff backoff.BackOff
	maxRetries       int
	retryCount       int
	reconnectCount   int

	startTime        time.Time
	lastMessage      time.Time
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64

	mu sync.RWMutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(cfg *config.ClientConfig, sm *state.Machine, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	var bo backoff.BackOff = &backoff.ZeroBackOff{}
	if cfg.RetryBaseDelay > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = cfg.RetryBaseDelay
		exp.MaxInterval = cfg.RetryMaxDelay
		exp.MaxElapsedTime = 0 // Never stop based on elapsed time
		exp.Reset()
		bo = exp
	}

	return &Monitor{
		stateMachine:     sm,
		log:              logger.With("component", "health"),
		reconnectBackoff: bo,
		maxRetries:       cfg.MaxRetries,
		startTime:        time.Now(),
	}
}

// GetStatus returns the current health status.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	currentState, _ := m.stateMachine.State(context.Background())

	return Status{
		State:            string(currentState),
		Connected:        currentState.IsOperational(),
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		LastMessage:      m.lastMessage,
		RetryCount:       m.retryCount,
		MaxRetries:       m.maxRetries,
		ReconnectCount:   m.reconnectCount,
		MessagesReceived: m.messagesReceived.Load(),
		MessagesSent:     m.messagesSent.Load(),
	}
}

// RecordMessageReceived records an incoming message.
func (m *Monitor) RecordMessageReceived() {
	m.messagesReceived.Add(1)
	m.mu.Lock()
	m.lastMessage = time.Now()
	m.mu.Unlock()
}

// RecordMessageSent records an outgoing message.
func (m *Monitor) RecordMessageSent() {
	m.messagesSent.Add(1)
}

// OnTransientClose consumes one unit of retry budget if any is left.
func (m *Monitor) OnTransientClose(phoneConfigured, hasIdentity bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Decide(m.retryCount, m.maxRetries, phoneConfigured, hasIdentity)
	m.retryCount = d.Attempt
	if d.Retry {
		m.reconnectCount++
	}
	return d
}

// NextReconnectDelay returns how long to wait before the next attempt.
func (m *Monitor) NextReconnectDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.reconnectBackoff.NextBackOff()
	if d == backoff.Stop {
		return 0
	}
	return d
}

// OnConnectionRestored resets the retry counter and pacing backoff.
func (m *Monitor) OnConnectionRestored() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconnectBackoff.Reset()
	m.retryCount = 0
	m.log.Debug("connection restored, retry budget reset")
}

// RetryCount returns the current retry counter.
func (m *Monitor) RetryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retryCount
}

// GetReconnectCount returns the total number of reconnection attempts.
func (m *Monitor) GetReconnectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnectCount
}
