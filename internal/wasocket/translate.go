package wasocket

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/socket"
)

// keyGetter is the subset of a protocol message key read here.
type keyGetter interface {
	GetRemoteJID() string
	GetID() string
	GetParticipant() string
	GetFromMe() bool
}

func keyFromProto(k keyGetter) socket.MessageKey {
	return socket.MessageKey{
		RemoteJID:   k.GetRemoteJID(),
		ID:          k.GetID(),
		Participant: k.GetParticipant(),
		FromMe:      k.GetFromMe(),
	}
}

func keyFromInfo(info types.MessageInfo) socket.MessageKey {
	key := socket.MessageKey{
		RemoteJID: info.Chat.String(),
		ID:        info.ID,
		FromMe:    info.IsFromMe,
	}
	if info.IsGroup {
		key.Participant = info.Sender.String()
	}
	return key
}

// translateMessage turns a live message into socket events. A revoke
// becomes a deletion of the referenced message.
func translateMessage(evt *events.Message) []socket.Event {
	if pm := evt.Message.GetProtocolMessage(); pm != nil && pm.GetType() == waE2E.ProtocolMessage_REVOKE {
		return []socket.Event{socket.MessagesDelete{
			Keys: []socket.MessageKey{keyFromProto(pm.GetKey())},
		}}
	}

	return []socket.Event{socket.MessagesUpsert{
		Type: socket.UpsertNotify,
		Messages: []socket.Message{{
			Key:       keyFromInfo(evt.Info),
			PushName:  evt.Info.PushName,
			Timestamp: evt.Info.Timestamp,
			Text:      extractMessageText(evt.Message),
			Raw:       evt,
		}},
	}}
}

// translateHistory turns a history sync batch into one append upsert.
func translateHistory(evt *events.HistorySync) (socket.MessagesUpsert, bool) {
	var msgs []socket.Message
	for _, conv := range evt.Data.GetConversations() {
		for _, histMsg := range conv.GetMessages() {
			webMsg := histMsg.GetMessage()
			key := webMsg.GetKey()
			if key == nil || key.GetID() == "" {
				continue
			}

			mk := keyFromProto(key)
			if mk.RemoteJID == "" {
				mk.RemoteJID = conv.GetID()
			}
			msgs = append(msgs, socket.Message{
				Key:       mk,
				PushName:  webMsg.GetPushName(),
				Timestamp: time.Unix(int64(webMsg.GetMessageTimestamp()), 0),
				Text:      extractMessageText(webMsg.GetMessage()),
				Raw:       webMsg,
			})
		}
	}
	if len(msgs) == 0 {
		return socket.MessagesUpsert{}, false
	}
	return socket.MessagesUpsert{Type: socket.UpsertAppend, Messages: msgs}, true
}

func receiptStatus(t types.ReceiptType) string {
	if t == types.ReceiptTypeDelivered {
		return "delivered"
	}
	return string(t)
}

func translateReceipt(evt *events.Receipt) socket.MessagesUpdate {
	updates := make([]socket.MessageUpdate, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		updates = append(updates, socket.MessageUpdate{
			Key: socket.MessageKey{
				RemoteJID: evt.Chat.String(),
				ID:        id,
				// receipts from other users are about our messages
				FromMe:    !evt.IsFromMe,
			},
			Status:    receiptStatus(evt.Type),
			Timestamp: evt.Timestamp,
		})
	}
	return socket.MessagesUpdate{Updates: updates}
}

func translateDeleteForMe(evt *events.DeleteForMe) socket.MessagesDelete {
	key := socket.MessageKey{
		RemoteJID: evt.ChatJID.String(),
		ID:        evt.MessageID,
		FromMe:    evt.IsFromMe,
	}
	if !evt.SenderJID.IsEmpty() && evt.ChatJID.Server == types.GroupServer {
		key.Participant = evt.SenderJID.String()
	}
	return socket.MessagesDelete{Keys: []socket.MessageKey{key}}
}

func translateClearChat(evt *events.ClearChat) socket.MessagesDelete {
	return socket.MessagesDelete{JID: evt.JID.String(), All: true}
}

func groupFromInfo(info *types.GroupInfo) *socket.GroupMetadata {
	meta := &socket.GroupMetadata{
		ID:           info.JID.String(),
		Subject:      info.Name,
		Description:  info.Topic,
		Creation:     info.GroupCreated,
		Announce:     info.IsAnnounce,
		Restrict:     info.IsLocked,
		Participants: make([]socket.Participant, 0, len(info.Participants)),
	}
	if !info.OwnerJID.IsEmpty() {
		meta.Owner = info.OwnerJID.String()
	}
	for _, p := range info.Participants {
		meta.Participants = append(meta.Participants, socket.Participant{
			ID:           p.JID.String(),
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
	}
	return meta
}

// extractMessageText pulls the plain-text content out of a WhatsApp message.
func extractMessageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return *msg.Conversation
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetTitle()
	}
	if msg.GetAudioMessage() != nil {
		return "[audio]"
	}
	if msg.GetStickerMessage() != nil {
		return "[sticker]"
	}
	if msg.GetLocationMessage() != nil {
		return "[location]"
	}
	if contact := msg.GetContactMessage(); contact != nil {
		return "[contact: " + contact.GetDisplayName() + "]"
	}
	if msg.GetReactionMessage() != nil {
		return "[reaction]"
	}
	return ""
}
