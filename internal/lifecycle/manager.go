package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/auth"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/cache"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/config"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/health"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/metrics"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/socket"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/state"
)

const (
	eventBufferSize = 100

	keyCacheBytes       = 4 << 20
	groupCacheEntries   = 1024
	retryCacheEntries   = 4096
	retryCacheTTL       = 10 * time.Minute
	groupCacheName      = "group_metadata"
	signalKeyCacheName  = "signal_keys"
	retryCacheName      = "message_retry"
	defaultConnectLimit = 30 * time.Second
)

// envelope tags a socket event with the generation of the socket that
// produced it.
type envelope struct {
	gen uint64
	evt socket.Event
}

// Manager owns at most one live socket and drives it through its life.
type Manager struct {
	cfg      *config.ClientConfig
	provider auth.Provider
	factory  socket.Factory
	resolver socket.VersionResolver
	log      *slog.Logger
	metrics  *metrics.Metrics

	stateMachine *state.Machine
	monitor      *health.Monitor
	emitter      Emitter

	groupCache *cache.TTL[string, *socket.GroupMetadata]
	retryCache *cache.TTL[string, []byte]

	events   chan envelope
	loopOnce sync.Once
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	started       bool
	sock          socket.Socket
	gen           uint64
	authState     *auth.State
	keyCache      *auth.CachedKeyStore
	pairingForGen uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.log = logger
	}
}

// WithMetrics sets the collectors the manager reports to.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithVersionResolver sets the protocol version lookup run before each connect.
func WithVersionResolver(resolver socket.VersionResolver) Option {
	return func(m *Manager) {
		m.resolver = resolver
	}
}

// CheckConfig validates cfg, wrapping any failure in ErrConfiguration.
func CheckConfig(cfg *config.ClientConfig) error {
	if cfg == nil {
		return &Error{Op: "configure", Err: fmt.Errorf("%w: config is nil", ErrConfiguration)}
	}
	if err := cfg.Validate(); err != nil {
		return &Error{Op: "configure", Err: fmt.Errorf("%w: %w", ErrConfiguration, err)}
	}
	return nil
}

// NewManager creates a Manager. It does not connect until Start.
func NewManager(cfg *config.ClientConfig, provider auth.Provider, factory socket.Factory, opts ...Option) (*Manager, error) {
	if err := CheckConfig(cfg); err != nil {
		return nil, err
	}
	if provider == nil || factory == nil {
		return nil, &Error{Op: "configure", Err: fmt.Errorf("%w: auth provider and socket factory are required", ErrConfiguration)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:          cfg,
		provider:     provider,
		factory:      factory,
		log:          slog.Default(),
		stateMachine: state.NewMachine(),
		events:       make(chan envelope, eventBufferSize),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(prometheus.NewRegistry())
	}
	m.monitor = health.NewMonitor(cfg, m.stateMachine, m.log)
	m.log = m.log.With("component", "lifecycle")

	var err error
	if m.groupCache, err = cache.NewTTL[string, *socket.GroupMetadata](groupCacheEntries, cfg.GroupCacheTTL); err != nil {
		cancel()
		return nil, err
	}
	m.groupCache.OnLookup(m.metrics.CacheObserver(groupCacheName))
	if m.retryCache, err = cache.NewTTL[string, []byte](retryCacheEntries, retryCacheTTL); err != nil {
		m.groupCache.Close()
		cancel()
		return nil, err
	}
	m.retryCache.OnLookup(m.metrics.CacheObserver(retryCacheName))

	m.stateMachine.OnTransition(func(_ context.Context, from, to state.State, trigger state.Trigger) {
		m.log.Info("state transition", "from", from, "to", to, "trigger", trigger)
		m.metrics.ConnectionState.Set(to.Gauge())
	})

	return m, nil
}

// Start connects the session. Calling it while already started is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	if m.ctx.Err() != nil {
		return &Error{Op: "start", Err: fmt.Errorf("%w: manager stopped", ErrConnection)}
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.loopOnce.Do(func() {
		m.wg.Add(1)
		go m.processEvents()
	})

	if err := m.connect(ctx); err != nil {
		m.log.Error("failed to start session", "error", err)
		m.setStarted(false)
		return &Error{Op: "start", Err: fmt.Errorf("%w: %w", ErrConnection, err)}
	}
	return nil
}

// Disconnect logs the session out. The error is returned when the logout
// did not complete cleanly.
func (m *Manager) Disconnect(ctx context.Context) error {
	sock := m.Socket()
	if sock == nil {
		return nil
	}

	from := m.State()
	m.fire(state.TriggerClose)
	if err := sock.Logout(ctx); err != nil {
		m.log.Error("failed to disconnect", "error", err)
		// The socket is still live, so the session carries on where it was.
		if err := m.stateMachine.AbortClose(context.Background(), from); err != nil {
			m.log.Error("state transition failed", "trigger", state.TriggerCloseAborted, "error", err)
		}
		return &Error{Op: "disconnect", Err: err}
	}

	m.dropSocket()
	m.fire(state.TriggerClosed)
	m.setStarted(false)
	m.log.Info("session disconnected")
	return nil
}

// Stop closes the socket without logging out and stops event processing.
// It must not be called from an event listener.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()

		m.fire(state.TriggerClose)
		m.dropSocket()
		m.fire(state.TriggerClosed)
		m.setStarted(false)

		m.mu.Lock()
		if m.keyCache != nil {
			m.keyCache.Close()
			m.keyCache = nil
		}
		m.mu.Unlock()
		m.groupCache.Close()
		m.retryCache.Close()
	})
}

// Events returns the public event emitter.
func (m *Manager) Events() *Emitter {
	return &m.emitter
}

// State returns the current connection state.
func (m *Manager) State() state.State {
	return m.stateMachine.MustState()
}

// IsOpen reports whether the connection is open.
func (m *Manager) IsOpen() bool {
	return m.stateMachine.IsOpen()
}

// RetryCount returns the current retry counter.
func (m *Manager) RetryCount() int {
	return m.monitor.RetryCount()
}

// Status returns the health snapshot.
func (m *Manager) Status() health.Status {
	return m.monitor.GetStatus()
}

// Monitor returns the health monitor.
func (m *Manager) Monitor() *health.Monitor {
	return m.monitor
}

// Metrics returns the collectors the manager reports to.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// GroupCache returns the group metadata cache.
func (m *Manager) GroupCache() *cache.TTL[string, *socket.GroupMetadata] {
	return m.groupCache
}

// Socket returns the live socket, or nil.
func (m *Manager) Socket() socket.Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sock
}

// Creds returns a copy of the credentials of the most recent connect, or nil.
func (m *Manager) Creds() *auth.Creds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.authState == nil {
		return nil
	}
	return m.authState.CredsSnapshot()
}

func (m *Manager) setStarted(v bool) {
	m.mu.Lock()
	m.started = v
	m.mu.Unlock()
}

func (m *Manager) fire(trigger state.Trigger) {
	if _, err := m.stateMachine.FireIfPermitted(context.Background(), trigger); err != nil {
		m.log.Error("state transition failed", "trigger", trigger, "error", err)
	}
}

func (m *Manager) emit(name EventName, payload any) {
	m.emitter.Emit(NewEvent(name, payload))
}

// connect loads auth state, builds a socket and starts it.
func (m *Manager) connect(ctx context.Context) (err error) {
	if err := m.stateMachine.Fire(ctx, state.TriggerConnect); err != nil {
		return fmt.Errorf("failed to transition to connecting: %w", err)
	}
	defer func() {
		if err != nil {
			m.fire(state.TriggerConnectionLost)
		}
	}()

	authState, err := m.provider.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load auth state: %w", err)
	}
	keys, err := auth.NewCachedKeyStore(authState.Keys, keyCacheBytes, m.metrics.CacheObserver(signalKeyCacheName))
	if err != nil {
		return err
	}
	authState.Keys = keys

	var version *socket.Version
	if m.resolver != nil {
		v, latest, err := m.resolver(ctx)
		if err != nil {
			m.log.Warn("failed to resolve protocol version", "error", err)
		} else {
			m.log.Info("using protocol version", "version", v.String(), "latest", latest)
			version = &v
		}
	}

	connectTimeout := m.cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectLimit
	}

	sock, err := m.factory(ctx, socket.Options{
		Browser:       socket.BrowserFor(m.cfg.BrowserProfile, m.cfg.DeviceName),
		Logger:        m.log,
		Auth:          authState,
		Version:       version,
		MsgRetryCache: m.retryCache,
		CachedGroupMetadata: func(id string) (*socket.GroupMetadata, bool) {
			return m.groupCache.Get(id)
		},
		ConnectTimeout:         connectTimeout,
		MarkOnlineOnConnect:    m.cfg.MarkOnlineOnConnect,
		HighQualityLinkPreview: m.cfg.HighQualityLinkPreview,
	})
	if err != nil {
		keys.Close()
		return fmt.Errorf("failed to create socket: %w", err)
	}

	gen := m.install(sock, authState, keys)
	// Subscribe before connecting so no event is missed.
	sock.AddEventHandler(func(evt socket.Event) {
		m.enqueue(gen, evt)
	})

	if err := sock.Connect(ctx); err != nil {
		m.dropSocket()
		return fmt.Errorf("failed to connect socket: %w", err)
	}

	m.log.Info("socket connecting", "generation", gen, "registered", authState.CredsSnapshot().Registered)
	return nil
}

// install makes sock the live socket and returns its generation.
func (m *Manager) install(sock socket.Socket, authState *auth.State, keys *auth.CachedKeyStore) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyCache != nil {
		m.keyCache.Close()
	}
	m.gen++
	m.sock = sock
	m.authState = authState
	m.keyCache = keys
	return m.gen
}

// dropSocket closes the live socket and invalidates its generation.
func (m *Manager) dropSocket() {
	m.mu.Lock()
	sock := m.sock
	m.sock = nil
	m.gen++
	m.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sock != nil && m.gen == gen
}

func (m *Manager) enqueue(gen uint64, evt socket.Event) {
	select {
	case m.events <- envelope{gen: gen, evt: evt}:
	case <-m.ctx.Done():
	}
}

func (m *Manager) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case env := <-m.events:
			m.handleEvent(env)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) handleEvent(env envelope) {
	if !m.current(env.gen) {
		m.log.Debug("dropping event from superseded socket", "generation", env.gen, "event", fmt.Sprintf("%T", env.evt))
		return
	}

	switch evt := env.evt.(type) {
	case socket.CredsUpdate:
		m.persistCreds()
	case socket.ConnectionUpdate:
		m.handleConnectionUpdate(env.gen, evt)
	case socket.MessagesUpsert:
		m.handleMessages(evt)
	case socket.MessagesDelete:
		m.emit(EventMessagesDelete, evt)
	case socket.MessagesUpdate:
		m.emit(EventMessagesUpdate, evt)
	}
}

func (m *Manager) persistCreds() {
	m.mu.RLock()
	authState := m.authState
	m.mu.RUnlock()
	if authState == nil {
		return
	}

	if err := authState.SaveCreds(m.ctx); err != nil {
		m.metrics.PersistenceFailures.Inc()
		m.log.Error("failed to persist credentials", "error", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
}

func (m *Manager) handleConnectionUpdate(gen uint64, upd socket.ConnectionUpdate) {
	if upd.QR != "" {
		m.emit(EventQR, upd.QR)
		m.maybeRequestPairingCode(gen)
	}

	switch upd.Connection {
	case socket.ConnectionOpen:
		m.monitor.OnConnectionRestored()
		m.fire(state.TriggerOpened)
		m.log.Info("connection opened", "new_login", upd.IsNewLogin)
		m.emit(EventReady, nil)
	case socket.ConnectionClose:
		m.handleClose(upd.LastDisconnect)
	}
}

// maybeRequestPairingCode asks for a pairing code once per socket when a
// phone number is configured and the account is not registered yet.
func (m *Manager) maybeRequestPairingCode(gen uint64) {
	if m.cfg.PhoneNumber == "" {
		return
	}

	m.mu.Lock()
	registered := m.authState != nil && m.authState.CredsSnapshot().Registered
	if registered || m.pairingForGen == gen {
		m.mu.Unlock()
		return
	}
	m.pairingForGen = gen
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return
	}

	code, err := sock.RequestPairingCode(m.ctx, m.cfg.PhoneNumber)
	if err != nil {
		m.log.Error("failed to request pairing code", "error", err)
		m.emit(EventError, &Error{Op: "pairing code", Err: fmt.Errorf("%w: %w", ErrConnection, err)})
		return
	}
	m.log.Info("pairing code issued")
	m.emit(EventPairingCode, code)
}

func (m *Manager) handleClose(last *socket.Disconnect) {
	wasClosing, _ := m.stateMachine.IsInState(m.ctx, state.StateClosing)
	m.fire(state.TriggerConnectionLost)

	reason := socket.ReasonUnknown
	var cause error
	if last != nil {
		reason = last.Reason
		cause = last.Err
	}

	if wasClosing {
		m.log.Info("connection closed during disconnect", "reason", int(reason))
		m.dropSocket()
		m.setStarted(false)
		return
	}

	if reason == socket.ReasonLoggedOut {
		m.handleLoggedOut(cause)
		return
	}

	m.log.Warn("connection closed", "reason", int(reason), "error", errors.Join(ErrTransientDisconnect, cause))
	m.reconnect()
}

func (m *Manager) handleLoggedOut(cause error) {
	m.log.Warn("session logged out", "error", errors.Join(ErrLoggedOut, cause))

	if sock := m.Socket(); sock != nil {
		if err := sock.Logout(m.ctx); err != nil {
			m.log.Error("failed to log out socket", "error", err)
		}
	}
	m.dropSocket()
	m.setStarted(false)
	m.metrics.Logouts.Inc()
	m.emit(EventLogout, nil)
}

// reconnect runs connect until it succeeds or the retry budget is spent.
// A failed connect counts as another transient close.
func (m *Manager) reconnect() {
	for {
		// Creds keep the identity even when registration was never completed.
		hasIdentity := m.Creds().HasIdentity()

		d := m.monitor.OnTransientClose(m.cfg.PhoneNumber != "", hasIdentity)
		if !d.Retry {
			m.log.Error("giving up on reconnecting", "retries", d.Attempt, "max_retries", m.cfg.MaxRetries)
			m.dropSocket()
			m.setStarted(false)
			m.metrics.RetriesExhausted.Inc()
			m.emit(EventError, &Error{Op: "reconnect", Err: ErrRetryExhausted})
			return
		}

		m.dropSocket()
		if d.ResetSession {
			if err := m.provider.Destroy(m.ctx); err != nil {
				m.log.Error("failed to reset session state", "error", err)
			} else {
				m.metrics.SessionResets.Inc()
				m.log.Info("session state reset before retry", "attempt", d.Attempt)
			}
		}

		if delay := m.monitor.NextReconnectDelay(); delay > 0 {
			m.log.Info("waiting before reconnect", "delay", delay)
			select {
			case <-time.After(delay):
			case <-m.ctx.Done():
				return
			}
		}

		m.log.Info("reconnecting", "attempt", d.Attempt, "max_retries", m.cfg.MaxRetries)
		if err := m.connect(m.ctx); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.Error("reconnect failed", "attempt", d.Attempt, "error", err)
			continue
		}

		m.metrics.Reconnects.Inc()
		m.emit(EventReconnect, nil)
		return
	}
}

func (m *Manager) handleMessages(evt socket.MessagesUpsert) {
	if evt.Type != socket.UpsertNotify {
		m.log.Debug("ignoring message batch", "type", evt.Type, "count", len(evt.Messages))
		return
	}

	for _, msg := range evt.Messages {
		m.log.Debug("message received", "id", msg.Key.ID, "chat", msg.Key.RemoteJID, "from_me", msg.Key.FromMe)
		m.monitor.RecordMessageReceived()
		m.metrics.MessagesReceived.Inc()

		m.emit(EventMessage, msg)
		if msg.Key.FromMe {
			m.emit(EventMessageFromClient, msg)
		}
	}
}
