// Package whatsapp is the public entry point: a self-healing WhatsApp Web
// session with typed event subscriptions and a few convenience operations.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/auth"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/auth/filestore"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/auth/mongostore"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/config"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/health"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/lifecycle"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/metrics"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/socket"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/wasocket"
)

var (
	ErrConfiguration       = lifecycle.ErrConfiguration
	ErrConnection          = lifecycle.ErrConnection
	ErrTransientDisconnect = lifecycle.ErrTransientDisconnect
	ErrLoggedOut           = lifecycle.ErrLoggedOut
	ErrRetryExhausted      = lifecycle.ErrRetryExhausted
	ErrNotConnected        = lifecycle.ErrNotConnected
	ErrPersistence         = lifecycle.ErrPersistence
)

type (
	Config          = config.ClientConfig
	AuthStoreConfig = config.AuthStoreConfig
	Error           = lifecycle.Error
	State           = state.State
	Status          = health.Status
	Message         = socket.Message
	MessageKey      = socket.MessageKey
	MessagesDelete  = socket.MessagesDelete
	MessagesUpdate  = socket.MessagesUpdate
	GroupMetadata   = socket.GroupMetadata
	SocketFactory   = socket.Factory
	VersionResolver = socket.VersionResolver
)

const mongoCloseTimeout = 5 * time.Second

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// Option configures a Client.
type Option func(*options)

type options struct {
	factory  socket.Factory
	resolver socket.VersionResolver
	registry prometheus.Registerer
	logger   *slog.Logger
	fs       afero.Fs
}

// WithSocketFactory replaces the whatsmeow socket factory.
func WithSocketFactory(f SocketFactory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithVersionResolver replaces the protocol version lookup.
func WithVersionResolver(r VersionResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithRegistry registers the client's collectors on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithLogger sets the logger. LogPath is not opened when a logger is given.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithFs sets the filesystem used for the session directory and log file.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// Client is a WhatsApp session.
type Client struct {
	cfg     *Config
	manager *lifecycle.Manager
	log     *slog.Logger

	logFile io.Closer
	mongo   *mongostore.Store
}

// New validates cfg and wires a Client. It does not connect until Start.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if err := lifecycle.CheckConfig(cfg); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.fs == nil {
		o.fs = afero.NewOsFs()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	c := &Client{cfg: cfg}
	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = c.openLog(o.fs); err != nil {
			return nil, &Error{Op: "configure", Err: fmt.Errorf("%w: %w", ErrConfiguration, err)}
		}
	}
	c.log = logger.With("component", "client")

	mt := metrics.New(o.registry)

	var backend auth.SessionBackend
	if cfg.AuthStore.Enabled() {
		c.mongo = mongostore.New(mongoConfig(cfg.AuthStore), logger)
		backend = c.mongo
	} else {
		backend = filestore.New(o.fs, cfg.SessionDirectory, logger)
	}
	provider := auth.NewProvider(backend,
		auth.WithLogger(logger),
		auth.WithObserver(mt.ObserveKeyOp),
	)

	if o.factory == nil {
		o.factory = wasocket.NewFactory(cfg.SessionDirectory, logger).New
		if o.resolver == nil {
			o.resolver = wasocket.ResolveVersion
		}
	}

	mgrOpts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(mt),
	}
	if o.resolver != nil {
		mgrOpts = append(mgrOpts, lifecycle.WithVersionResolver(o.resolver))
	}
	manager, err := lifecycle.NewManager(cfg, provider, o.factory, mgrOpts...)
	if err != nil {
		c.release()
		return nil, err
	}
	c.manager = manager
	return c, nil
}

func (c *Client) openLog(fs afero.Fs) (*slog.Logger, error) {
	f, err := fs.OpenFile(c.cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	c.logFile = f
	return NewLogger(f, c.cfg.LogFormat, c.cfg.LogLevel), nil
}

// NewLogger builds a slog logger writing to w in the given format and level.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

func mongoConfig(a AuthStoreConfig) mongostore.Config {
	return mongostore.Config{
		URL:            a.URL,
		DatabaseName:   a.DatabaseName,
		CollectionName: a.CollectionName,
	}
}

func (c *Client) release() {
	if c.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mongoCloseTimeout)
		if err := c.mongo.Close(ctx); err != nil {
			c.log.Warn("failed to close auth store", "error", err)
		}
		cancel()
	}
	if c.logFile != nil {
		_ = c.logFile.Close()
		c.logFile = nil
	}
}

// Start connects the session and keeps it alive until logout, retry
// exhaustion or Stop.
func (c *Client) Start(ctx context.Context) error {
	return c.manager.Start(ctx)
}

// Disconnect logs the session out and closes the socket.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.manager.Disconnect(ctx)
}

// Stop closes the socket without logging out and releases all resources.
// The client cannot be started again.
func (c *Client) Stop() {
	c.manager.Stop()
	c.release()
}

func (c *Client) OnQR(fn func(code string)) func() {
	return c.manager.Events().OnQR(fn)
}

func (c *Client) OnPairingCode(fn func(code string)) func() {
	return c.manager.Events().OnPairingCode(fn)
}

func (c *Client) OnReady(fn func()) func() {
	return c.manager.Events().OnReady(fn)
}

func (c *Client) OnReconnect(fn func()) func() {
	return c.manager.Events().OnReconnect(fn)
}

func (c *Client) OnLogout(fn func()) func() {
	return c.manager.Events().OnLogout(fn)
}

func (c *Client) OnError(fn func(err error)) func() {
	return c.manager.Events().OnError(fn)
}

func (c *Client) OnMessage(fn func(msg Message)) func() {
	return c.manager.Events().OnMessage(fn)
}

// OnMessageFromClient fires for live messages sent from this account,
// including those sent from the phone.
func (c *Client) OnMessageFromClient(fn func(msg Message)) func() {
	return c.manager.Events().OnMessageFromClient(fn)
}

func (c *Client) OnMessagesDelete(fn func(MessagesDelete)) func() {
	return c.manager.Events().OnMessagesDelete(fn)
}

func (c *Client) OnMessagesUpdate(fn func(MessagesUpdate)) func() {
	return c.manager.Events().OnMessagesUpdate(fn)
}

// IsConnected reports whether the session is open.
func (c *Client) IsConnected() bool {
	return c.manager.IsOpen()
}

// State returns the connection state.
func (c *Client) State() State {
	return c.manager.State()
}

// Status returns a health snapshot.
func (c *Client) Status() Status {
	return c.manager.Status()
}

func (c *Client) socket() (socket.Socket, error) {
	if !c.manager.IsOpen() {
		return nil, ErrNotConnected
	}
	sock := c.manager.Socket()
	if sock == nil {
		return nil, ErrNotConnected
	}
	return sock, nil
}

// SendText sends a text message and returns its ID.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	sock, err := c.socket()
	if err != nil {
		return "", err
	}

	id, err := sock.SendMessage(ctx, to, socket.Content{Text: text})
	if err != nil {
		c.log.Error("failed to send message", "to", to, "error", err)
		return "", err
	}

	c.manager.Monitor().RecordMessageSent()
	c.manager.Metrics().MessagesSent.Inc()
	c.log.Debug("message sent", "to", to, "id", id)
	return id, nil
}

// GetGroupMetadata fetches group metadata and refreshes the group cache.
func (c *Client) GetGroupMetadata(ctx context.Context, id string) (*GroupMetadata, error) {
	sock, err := c.socket()
	if err != nil {
		return nil, err
	}

	meta, err := sock.GroupMetadata(ctx, id)
	if err != nil {
		c.log.Error("failed to get group metadata", "group", id, "error", err)
		return nil, err
	}

	c.manager.GroupCache().Set(id, meta)
	return meta, nil
}

// JoinGroup accepts an invite code and returns the joined group's ID.
func (c *Client) JoinGroup(ctx context.Context, code string) (string, error) {
	sock, err := c.socket()
	if err != nil {
		return "", err
	}

	id, err := sock.GroupAcceptInvite(ctx, code)
	if err != nil {
		c.log.Error("failed to join group", "error", err)
		return "", err
	}

	c.log.Info("joined group", "group", id)
	return id, nil
}

// LeaveGroup leaves a group.
func (c *Client) LeaveGroup(ctx context.Context, id string) error {
	sock, err := c.socket()
	if err != nil {
		return err
	}

	if err := sock.GroupLeave(ctx, id); err != nil {
		c.log.Error("failed to leave group", "group", id, "error", err)
		return err
	}

	c.manager.GroupCache().Del(id)
	c.log.Info("left group", "group", id)
	return nil
}

// LogoutStore drops the auth-state collection described by cfg without a
// running client.
func LogoutStore(ctx context.Context, cfg AuthStoreConfig, logger *slog.Logger) error {
	if !cfg.Enabled() {
		return &Error{Op: "logout store", Err: fmt.Errorf("%w: auth store url is empty", ErrConfiguration)}
	}
	return mongostore.Logout(ctx, mongoConfig(cfg), logger)
}
