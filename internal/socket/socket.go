// Package socket defines the protocol capability the session lifecycle
// drives: one live connection that can be connected, logged out, asked for a
// pairing code, used to send messages and manage groups, and that reports
// what happens to it through events.
package socket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/auth"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/cache"
)

// Socket is one live protocol connection.
type Socket interface {
	// AddEventHandler registers h for all events of this socket.
	AddEventHandler(h func(Event))
	// Connect starts the connection. Progress is reported via ConnectionUpdate.
	Connect(ctx context.Context) error
	// Close drops the connection without logging out.
	Close()
	Logout(ctx context.Context) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	SendMessage(ctx context.Context, to string, content Content) (string, error)
	GroupMetadata(ctx context.Context, id string) (*GroupMetadata, error)
	GroupAcceptInvite(ctx context.Context, code string) (string, error)
	GroupLeave(ctx context.Context, id string) error
}

// Content is an outgoing message body.
type Content struct {
	Text string
}

// Participant is a group member.
type Participant struct {
	ID           string
	IsAdmin      bool
	IsSuperAdmin bool
}

// GroupMetadata is a snapshot of a group's settings and members.
type GroupMetadata struct {
	ID           string
	Subject      string
	Owner        string
	Description  string
	Creation     time.Time
	Announce     bool
	Restrict     bool
	Participants []Participant
}

// Version is a protocol version triple.
type Version [3]uint32

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// VersionResolver looks up the protocol version to present to the server.
type VersionResolver func(ctx context.Context) (version Version, isLatest bool, err error)

// Options configure a new Socket.
type Options struct {
	Browser Browser
	Logger  *slog.Logger
	Auth    *auth.State
	Version *Version

	// MsgRetryCache holds encoded outgoing messages for peer retry requests.
	MsgRetryCache *cache.TTL[string, []byte]
	// CachedGroupMetadata is a lookup-only view of the group cache.
	CachedGroupMetadata func(id string) (*GroupMetadata, bool)

	ConnectTimeout         time.Duration
	MarkOnlineOnConnect    bool
	HighQualityLinkPreview bool
}

// Factory builds a Socket. It must not start connecting.
type Factory func(ctx context.Context, opts Options) (Socket, error)
