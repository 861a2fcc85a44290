package socket

import "time"

// Event is one of the socket events below.
type Event interface {
	socketEvent()
}

// ConnectionStatus is the coarse connection phase reported by a socket.
type ConnectionStatus string

const (
	ConnectionConnecting ConnectionStatus = "connecting"
	ConnectionOpen       ConnectionStatus = "open"
	ConnectionClose      ConnectionStatus = "close"
)

// DisconnectReason is a status code attached to a close.
type DisconnectReason int

const (
	ReasonUnknown             DisconnectReason = 0
	ReasonLoggedOut           DisconnectReason = 401
	ReasonForbidden           DisconnectReason = 403
	ReasonConnectionLost      DisconnectReason = 408
	ReasonTimedOut            DisconnectReason = 408
	ReasonMultideviceMismatch DisconnectReason = 411
	ReasonConnectionClosed    DisconnectReason = 428
	ReasonConnectionReplaced  DisconnectReason = 440
	ReasonBadSession          DisconnectReason = 500
	ReasonUnavailableService  DisconnectReason = 503
	ReasonRestartRequired     DisconnectReason = 515
)

// Disconnect describes why a connection closed.
type Disconnect struct {
	Reason DisconnectReason
	Err    error
}

// CredsUpdate reports that the auth state creds were mutated in memory.
type CredsUpdate struct{}

// ConnectionUpdate reports connection progress. QR is set when a new
// pairing QR code is available.
type ConnectionUpdate struct {
	Connection     ConnectionStatus
	QR             string
	LastDisconnect *Disconnect
	IsNewLogin     bool
}

// MessageKey identifies a message.
type MessageKey struct {
	RemoteJID   string
	ID          string
	Participant string
	FromMe      bool
}

// Message is an inbound or echoed outbound message.
type Message struct {
	Key       MessageKey
	PushName  string
	Timestamp time.Time
	Text      string
	// Raw carries the protocol-level message for callers that need it.
	Raw any
}

// UpsertType distinguishes live messages from history sync.
type UpsertType string

const (
	UpsertNotify UpsertType = "notify"
	UpsertAppend UpsertType = "append"
)

// MessagesUpsert is a batch of new messages.
type MessagesUpsert struct {
	Type     UpsertType
	Messages []Message
}

// MessagesDelete reports deleted messages. All is set when every message
// of JID was cleared.
type MessagesDelete struct {
	Keys []MessageKey
	JID  string
	All  bool
}

// MessageUpdate is a status change for one message.
type MessageUpdate struct {
	Key       MessageKey
	Status    string
	Timestamp time.Time
}

// MessagesUpdate is a batch of message status changes.
type MessagesUpdate struct {
	Updates []MessageUpdate
}

func (CredsUpdate) socketEvent()      {}
func (ConnectionUpdate) socketEvent() {}
func (MessagesUpsert) socketEvent()   {}
func (MessagesDelete) socketEvent()   {}
func (MessagesUpdate) socketEvent()   {}
