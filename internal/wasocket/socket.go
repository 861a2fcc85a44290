// Package wasocket implements the socket capability on whatsmeow.
package wasocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/auth"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/cache"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/socket"
)

// DeviceDBName is the whatsmeow device database inside the session directory.
const DeviceDBName = "device.db"

var (
	errConnectTimeout = errors.New("connect timed out")
	errQRTimeout      = errors.New("QR code timeout")
)

// Factory opens whatsmeow sockets whose device database lives in a
// session directory.
type Factory struct {
	dir string
	log *slog.Logger
}

// NewFactory creates a Factory for sessionDir.
func NewFactory(sessionDir string, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{dir: sessionDir, log: logger}
}

// DevicePath returns the path of the device database.
func (f *Factory) DevicePath() string {
	return filepath.Join(f.dir, DeviceDBName)
}

// New implements socket.Factory.
func (f *Factory) New(ctx context.Context, opts socket.Options) (socket.Socket, error) {
	if opts.Auth == nil {
		return nil, errors.New("auth state is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = f.log
	}

	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	dbLog := &slogAdapter{log: logger.With("component", "whatsmeow-db")}
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", f.DevicePath()), dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open device database: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to get device store: %w", err)
	}

	creds := opts.Auth.CredsSnapshot()
	// A paired device without matching creds belongs to a reset session.
	if deviceStore.ID != nil && !creds.HasIdentity() {
		logger.Info("Discarding device without stored credentials", "jid", deviceStore.ID.String())
		if err := deviceStore.Delete(ctx); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("failed to delete stale device: %w", err)
		}
		if deviceStore, err = container.GetFirstDevice(ctx); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("failed to get device store: %w", err)
		}
	}

	devices := &keyContainer{Container: container, keys: newKeyStore(opts.Auth, logger)}
	devices.bind(deviceStore)

	// The auth store outlives the device database, e.g. on a new host.
	if deviceStore.ID == nil && creds.HasIdentity() && creds.Account != nil {
		if err := restoreDevice(deviceStore, creds); err != nil {
			logger.Warn("Stored credentials cannot restore the device, pairing again", "error", err)
		} else if err := deviceStore.Save(ctx); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("failed to restore device: %w", err)
		} else {
			logger.Info("Restored device from stored credentials", "jid", deviceStore.ID.String())
		}
	}
	if deviceStore.ID == nil {
		if err := seedDevice(deviceStore, creds); err != nil {
			logger.Warn("Stored credentials unusable for pairing, using generated keys", "error", err)
		}
	}

	applyBrowser(opts.Browser)
	applyVersion(opts.Version)

	client := whatsmeow.NewClient(deviceStore, &slogAdapter{log: logger.With("component", "whatsmeow")})
	// Reconnection is decided by the lifecycle manager.
	client.EnableAutoReconnect = false

	s := &Socket{
		client:    client,
		container: container,
		auth:      opts.Auth,
		retry:     opts.MsgRetryCache,
		opts:      opts,
		log:       logger.With("component", "wasocket"),
	}
	client.GetMessageForRetry = s.messageForRetry
	client.AddEventHandler(s.handleEvent)
	return s, nil
}

var _ socket.Factory = (*Factory)(nil).New

// Socket is one whatsmeow connection.
type Socket struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	auth      *auth.State
	retry     *cache.TTL[string, []byte]
	opts      socket.Options
	log       *slog.Logger

	mu       sync.Mutex
	handlers []func(socket.Event)
	timer    *time.Timer
	qrCancel context.CancelFunc
	newLogin bool
	closed   bool
}

// AddEventHandler registers h for all events of this socket.
func (s *Socket) AddEventHandler(h func(socket.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Socket) dispatch(evt socket.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	handlers := make([]func(socket.Event), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}

// Connect opens the websocket. Unpaired devices report QR codes through
// ConnectionUpdate events.
func (s *Socket) Connect(ctx context.Context) error {
	if s.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := s.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		s.mu.Lock()
		s.qrCancel = cancel
		s.mu.Unlock()
		go s.watchQR(qrChan)
	}

	s.armTimeout()
	if err := s.client.Connect(); err != nil {
		s.stopTimeout()
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (s *Socket) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.stopTimeout()
			s.dispatch(socket.ConnectionUpdate{Connection: socket.ConnectionConnecting, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			s.log.Info("QR pairing succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			s.closeWith(socket.ReasonTimedOut, errQRTimeout)
		case whatsmeow.QRChannelEventError:
			s.closeWith(socket.ReasonBadSession, item.Error)
		default:
			s.closeWith(socket.ReasonBadSession, fmt.Errorf("pairing failed: %s", item.Event))
		}
	}
}

// armTimeout closes the connection unless it opens or shows a QR code in time.
func (s *Socket) armTimeout() {
	if s.opts.ConnectTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = time.AfterFunc(s.opts.ConnectTimeout, func() {
		s.log.Warn("Connection attempt timed out", "timeout", s.opts.ConnectTimeout)
		s.closeWith(socket.ReasonTimedOut, errConnectTimeout)
	})
}

func (s *Socket) stopTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// closeWith drops the connection and reports it as closed.
func (s *Socket) closeWith(reason socket.DisconnectReason, err error) {
	s.stopTimeout()
	s.client.Disconnect()
	s.dispatchClose(reason, err)
}

func (s *Socket) dispatchClose(reason socket.DisconnectReason, err error) {
	s.dispatch(socket.ConnectionUpdate{
		Connection:     socket.ConnectionClose,
		LastDisconnect: &socket.Disconnect{Reason: reason, Err: err},
	})
}

// Close drops the connection without logging out and releases the device
// database. Events are no longer delivered afterwards.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	cancel := s.qrCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.client.Disconnect()
	if err := s.container.Close(); err != nil {
		s.log.Warn("Failed to close device database", "error", err)
	}
}

// Logout unlinks the device from the account.
func (s *Socket) Logout(ctx context.Context) error {
	if s.client.Store.ID == nil {
		s.client.Disconnect()
		return nil
	}
	if err := s.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// RequestPairingCode links by phone number instead of QR code.
func (s *Socket) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := s.client.PairPhone(ctx, PhoneDigits(phone), true, whatsmeow.PairClientChrome, pairClientName(s.opts.Browser))
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	s.auth.UpdateCreds(func(c *auth.Creds) {
		c.PairingCode = code
	})
	s.dispatch(socket.CredsUpdate{})
	return code, nil
}

// SendMessage sends a text message and keeps it for peer retry requests.
func (s *Socket) SendMessage(ctx context.Context, to string, content socket.Content) (string, error) {
	recipient, err := ParseRecipient(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}

	msg := &waE2E.Message{Conversation: proto.String(content.Text)}
	resp, err := s.client.SendMessage(ctx, recipient, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	if s.retry != nil {
		if data, err := proto.Marshal(msg); err == nil {
			s.retry.Set(retryKey(recipient, resp.ID), data)
		}
	}
	return resp.ID, nil
}

func retryKey(to types.JID, id types.MessageID) string {
	return to.ToNonAD().String() + "/" + id
}

// messageForRetry serves peer retry receipts from the retry cache.
func (s *Socket) messageForRetry(_, to types.JID, id types.MessageID) *waE2E.Message {
	if s.retry == nil {
		return nil
	}
	data, ok := s.retry.Get(retryKey(to, id))
	if !ok {
		return nil
	}
	var msg waE2E.Message
	if err := proto.Unmarshal(data, &msg); err != nil {
		s.log.Warn("Failed to decode cached message for retry", "id", id, "error", err)
		return nil
	}
	return &msg
}

// GroupMetadata fetches a group's current metadata.
func (s *Socket) GroupMetadata(ctx context.Context, id string) (*socket.GroupMetadata, error) {
	groupJID, err := ParseGroupJID(id)
	if err != nil {
		return nil, err
	}

	info, err := s.client.GetGroupInfo(ctx, groupJID)
	if err != nil {
		return nil, fmt.Errorf("failed to get group info: %w", err)
	}
	return groupFromInfo(info), nil
}

// GroupAcceptInvite joins a group by invite code or link.
func (s *Socket) GroupAcceptInvite(ctx context.Context, code string) (string, error) {
	groupJID, err := s.client.JoinGroupWithLink(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to join group: %w", err)
	}
	return groupJID.String(), nil
}

// GroupLeave leaves a group.
func (s *Socket) GroupLeave(ctx context.Context, id string) error {
	groupJID, err := ParseGroupJID(id)
	if err != nil {
		return err
	}
	if err := s.client.LeaveGroup(ctx, groupJID); err != nil {
		return fmt.Errorf("failed to leave group: %w", err)
	}
	return nil
}

// handleEvent translates whatsmeow events into socket events.
func (s *Socket) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.stopTimeout()
		s.syncCreds()
		if !s.opts.MarkOnlineOnConnect {
			go s.markUnavailable()
		}
		s.dispatch(socket.CredsUpdate{})
		s.dispatch(socket.ConnectionUpdate{Connection: socket.ConnectionOpen, IsNewLogin: s.takeNewLogin()})
	case *events.PairSuccess:
		s.log.Info("Pairing successful", "jid", evt.ID.String(), "platform", evt.Platform)
		s.mu.Lock()
		s.newLogin = true
		s.mu.Unlock()
		s.auth.UpdateCreds(func(c *auth.Creds) {
			syncCreds(c, s.client.Store)
			c.PairingCode = ""
		})
		s.dispatch(socket.CredsUpdate{})
	case *events.PushNameSetting:
		s.syncCreds()
		s.dispatch(socket.CredsUpdate{})
	case *events.LoggedOut:
		s.dispatchClose(socket.ReasonLoggedOut, fmt.Errorf("logged out: %v", evt.Reason))
	case *events.StreamReplaced:
		s.dispatchClose(socket.ReasonConnectionReplaced, errors.New("stream replaced by another connection"))
	case *events.TemporaryBan:
		s.dispatchClose(socket.ReasonForbidden, fmt.Errorf("temporary ban: %v", evt))
	case *events.ClientOutdated:
		s.dispatchClose(socket.ReasonBadSession, errors.New("client outdated"))
	case *events.ConnectFailure:
		s.dispatchClose(socket.DisconnectReason(evt.Reason), fmt.Errorf("connect failure: %v %s", evt.Reason, evt.Message))
	case *events.Disconnected:
		s.dispatchClose(socket.ReasonConnectionClosed, errors.New("connection closed"))
	case *events.Message:
		for _, e := range translateMessage(evt) {
			s.dispatch(e)
		}
	case *events.HistorySync:
		if upsert, ok := translateHistory(evt); ok {
			s.dispatch(upsert)
		}
	case *events.Receipt:
		s.dispatch(translateReceipt(evt))
	case *events.DeleteForMe:
		s.dispatch(translateDeleteForMe(evt))
	case *events.ClearChat:
		s.dispatch(translateClearChat(evt))
	case *events.KeepAliveTimeout:
		s.log.Debug("Keepalive timeout", "error_count", evt.ErrorCount)
	}
}

func (s *Socket) takeNewLogin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.newLogin
	s.newLogin = false
	return v
}

func (s *Socket) markUnavailable() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.SendPresence(ctx, types.PresenceUnavailable); err != nil {
		s.log.Debug("Failed to send unavailable presence", "error", err)
	}
}

// syncCreds mirrors the paired identity from the device store into creds.
func (s *Socket) syncCreds() {
	s.auth.UpdateCreds(func(c *auth.Creds) {
		syncCreds(c, s.client.Store)
	})
}

func syncCreds(creds *auth.Creds, dev *store.Device) {
	if dev.ID == nil {
		return
	}
	creds.Registered = true
	creds.Me = &auth.Contact{ID: dev.ID.String(), Name: dev.PushName}
	if !dev.LID.IsEmpty() {
		creds.Me.LID = dev.LID.String()
	}
	if dev.Platform != "" {
		creds.Platform = dev.Platform
	}
	if dev.Account != nil {
		creds.Account = &auth.Account{
			Details:             dev.Account.GetDetails(),
			AccountSignatureKey: dev.Account.GetAccountSignatureKey(),
			AccountSignature:    dev.Account.GetAccountSignature(),
			DeviceSignature:     dev.Account.GetDeviceSignature(),
		}
	}
}

var _ socket.Socket = (*Socket)(nil)
