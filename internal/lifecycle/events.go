// Package lifecycle drives a WhatsApp socket through connect, reconnect and
// logout, and republishes what happens as a small set of typed events.
package lifecycle

import (
	"sync"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/socket"
)

// EventName names a public event.
type EventName string

const (
	EventQR                EventName = "qr"
	EventPairingCode       EventName = "pairingCode"
	EventReady             EventName = "ready"
	EventReconnect         EventName = "reconnect"
	EventLogout            EventName = "logout"
	EventError             EventName = "error"
	EventMessage           EventName = "message"
	EventMessageFromClient EventName = "messageFromClient"
	EventMessagesDelete    EventName = "messages.delete"
	EventMessagesUpdate    EventName = "messages.update"
)

// Event is one emitted event. Payload types by name:
//
//	qr, pairingCode                 string
//	ready, reconnect, logout        nil
//	error                           error
//	message, messageFromClient      socket.Message
//	messages.delete                 socket.MessagesDelete
//	messages.update                 socket.MessagesUpdate
type Event struct {
	Name      EventName
	Payload   any
	Timestamp time.Time
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(name EventName, payload any) Event {
	return Event{
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Listener receives events.
type Listener func(Event)

type subscription struct {
	id       uint64
	name     EventName
	listener Listener
}

// Emitter delivers events synchronously, in emission order, to the
// listeners subscribed at the time of emission.
type Emitter struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

// On subscribes l to events named name. The returned func unsubscribes.
func (e *Emitter) On(name EventName, l Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription{id: id, name: name, listener: l})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers an event to every current listener for its name.
func (e *Emitter) Emit(evt Event) {
	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.subs))
	for _, s := range e.subs {
		if s.name == evt.Name {
			listeners = append(listeners, s.listener)
		}
	}
	e.mu.RUnlock()

	for _, l := range listeners {
		l(evt)
	}
}

// typed payload accessors

// OnQR subscribes to QR codes.
func (e *Emitter) OnQR(fn func(code string)) func() {
	return e.On(EventQR, func(evt Event) { fn(evt.Payload.(string)) })
}

// OnPairingCode subscribes to pairing codes.
func (e *Emitter) OnPairingCode(fn func(code string)) func() {
	return e.On(EventPairingCode, func(evt Event) { fn(evt.Payload.(string)) })
}

// OnReady subscribes to the connection opening.
func (e *Emitter) OnReady(fn func()) func() {
	return e.On(EventReady, func(Event) { fn() })
}

// OnReconnect subscribes to reconnection attempts.
func (e *Emitter) OnReconnect(fn func()) func() {
	return e.On(EventReconnect, func(Event) { fn() })
}

// OnLogout subscribes to terminal logouts.
func (e *Emitter) OnLogout(fn func()) func() {
	return e.On(EventLogout, func(Event) { fn() })
}

// OnError subscribes to asynchronous failures such as retry exhaustion.
func (e *Emitter) OnError(fn func(err error)) func() {
	return e.On(EventError, func(evt Event) { fn(evt.Payload.(error)) })
}

// OnMessage subscribes to live inbound messages.
func (e *Emitter) OnMessage(fn func(msg socket.Message)) func() {
	return e.On(EventMessage, func(evt Event) { fn(evt.Payload.(socket.Message)) })
}

// OnMessageFromClient subscribes to live messages sent by this account.
func (e *Emitter) OnMessageFromClient(fn func(msg socket.Message)) func() {
	return e.On(EventMessageFromClient, func(evt Event) { fn(evt.Payload.(socket.Message)) })
}

// OnMessagesDelete subscribes to message deletions.
func (e *Emitter) OnMessagesDelete(fn func(socket.MessagesDelete)) func() {
	return e.On(EventMessagesDelete, func(evt Event) { fn(evt.Payload.(socket.MessagesDelete)) })
}

// OnMessagesUpdate subscribes to message status updates.
func (e *Emitter) OnMessagesUpdate(fn func(socket.MessagesUpdate)) func() {
	return e.On(EventMessagesUpdate, func(evt Event) { fn(evt.Payload.(socket.MessagesUpdate)) })
}
