package wasocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/socket"
)

var (
	alice = types.NewJID("5511999999999", types.DefaultUserServer)
	group = types.NewJID("120363000000000000", types.GroupServer)
)

func TestTranslateMessage(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	t.Run("direct text", func(t *testing.T) {
		evt := &events.Message{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{Chat: alice, Sender: alice},
				ID:            "3EB0ABC",
				PushName:      "Alice",
				Timestamp:     ts,
			},
			Message: &waE2E.Message{Conversation: proto.String("hello")},
		}

		out := translateMessage(evt)
		require.Len(t, out, 1)
		upsert, ok := out[0].(socket.MessagesUpsert)
		require.True(t, ok)
		assert.Equal(t, socket.UpsertNotify, upsert.Type)
		require.Len(t, upsert.Messages, 1)

		msg := upsert.Messages[0]
		assert.Equal(t, socket.MessageKey{RemoteJID: alice.String(), ID: "3EB0ABC"}, msg.Key)
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, "Alice", msg.PushName)
		assert.Equal(t, ts, msg.Timestamp)
		assert.Same(t, evt, msg.Raw)
	})

	t.Run("group message from me keeps participant", func(t *testing.T) {
		evt := &events.Message{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{Chat: group, Sender: alice, IsFromMe: true, IsGroup: true},
				ID:            "3EB0DEF",
			},
			Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi all")}},
		}

		upsert := translateMessage(evt)[0].(socket.MessagesUpsert)
		key := upsert.Messages[0].Key
		assert.True(t, key.FromMe)
		assert.Equal(t, group.String(), key.RemoteJID)
		assert.Equal(t, alice.String(), key.Participant)
		assert.Equal(t, "hi all", upsert.Messages[0].Text)
	})

	t.Run("revoke becomes delete", func(t *testing.T) {
		evt := &events.Message{
			Info: types.MessageInfo{MessageSource: types.MessageSource{Chat: alice, Sender: alice}, ID: "REV1"},
			Message: &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
				Type: waE2E.ProtocolMessage_REVOKE.Enum(),
				Key: &waCommon.MessageKey{
					RemoteJID: proto.String(alice.String()),
					FromMe:    proto.Bool(false),
					ID:        proto.String("ORIG1"),
				},
			}},
		}

		out := translateMessage(evt)
		require.Len(t, out, 1)
		del, ok := out[0].(socket.MessagesDelete)
		require.True(t, ok)
		assert.Equal(t, []socket.MessageKey{{RemoteJID: alice.String(), ID: "ORIG1"}}, del.Keys)
	})
}

func TestTranslateHistory(t *testing.T) {
	evt := &events.HistorySync{Data: &waHistorySync.HistorySync{
		Conversations: []*waHistorySync.Conversation{{
			ID: proto.String(alice.String()),
			Messages: []*waHistorySync.HistorySyncMsg{
				{Message: &waWeb.WebMessageInfo{
					Key:              &waCommon.MessageKey{FromMe: proto.Bool(true), ID: proto.String("H1")},
					Message:          &waE2E.Message{Conversation: proto.String("old")},
					MessageTimestamp: proto.Uint64(1600000000),
				}},
				{Message: &waWeb.WebMessageInfo{}},
			},
		}},
	}}

	upsert, ok := translateHistory(evt)
	require.True(t, ok)
	assert.Equal(t, socket.UpsertAppend, upsert.Type)
	require.Len(t, upsert.Messages, 1)
	assert.Equal(t, socket.MessageKey{RemoteJID: alice.String(), ID: "H1", FromMe: true}, upsert.Messages[0].Key)
	assert.Equal(t, "old", upsert.Messages[0].Text)
	assert.Equal(t, time.Unix(1600000000, 0), upsert.Messages[0].Timestamp)

	_, ok = translateHistory(&events.HistorySync{Data: &waHistorySync.HistorySync{}})
	assert.False(t, ok)
}

func TestTranslateReceipt(t *testing.T) {
	ts := time.Unix(1700000100, 0)
	evt := &events.Receipt{
		MessageSource: types.MessageSource{Chat: alice, Sender: alice},
		MessageIDs:    []types.MessageID{"A", "B"},
		Timestamp:     ts,
		Type:          types.ReceiptTypeRead,
	}

	upd := translateReceipt(evt)
	require.Len(t, upd.Updates, 2)
	assert.Equal(t, "read", upd.Updates[0].Status)
	assert.Equal(t, socket.MessageKey{RemoteJID: alice.String(), ID: "B", FromMe: true}, upd.Updates[1].Key)
	assert.Equal(t, ts, upd.Updates[1].Timestamp)

	evt.Type = types.ReceiptTypeDelivered
	assert.Equal(t, "delivered", translateReceipt(evt).Updates[0].Status)
}

func TestTranslateDeletes(t *testing.T) {
	del := translateDeleteForMe(&events.DeleteForMe{
		ChatJID:   group,
		SenderJID: alice,
		MessageID: "M9",
	})
	assert.Equal(t, []socket.MessageKey{{RemoteJID: group.String(), ID: "M9", Participant: alice.String()}}, del.Keys)

	cleared := translateClearChat(&events.ClearChat{JID: alice})
	assert.True(t, cleared.All)
	assert.Equal(t, alice.String(), cleared.JID)
}

func TestGroupFromInfo(t *testing.T) {
	created := time.Unix(1650000000, 0)
	info := &types.GroupInfo{
		JID:           group,
		OwnerJID:      alice,
		GroupName:     types.GroupName{Name: "Ops"},
		GroupTopic:    types.GroupTopic{Topic: "on-call"},
		GroupLocked:   types.GroupLocked{IsLocked: true},
		GroupAnnounce: types.GroupAnnounce{IsAnnounce: true},
		GroupCreated:  created,
		Participants: []types.GroupParticipant{
			{JID: alice, IsAdmin: true, IsSuperAdmin: true},
			{JID: types.NewJID("5511888888888", types.DefaultUserServer)},
		},
	}

	meta := groupFromInfo(info)
	assert.Equal(t, group.String(), meta.ID)
	assert.Equal(t, "Ops", meta.Subject)
	assert.Equal(t, "on-call", meta.Description)
	assert.Equal(t, alice.String(), meta.Owner)
	assert.Equal(t, created, meta.Creation)
	assert.True(t, meta.Announce)
	assert.True(t, meta.Restrict)
	require.Len(t, meta.Participants, 2)
	assert.True(t, meta.Participants[0].IsSuperAdmin)
	assert.False(t, meta.Participants[1].IsAdmin)
}

func TestExtractMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, "hi"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("pic")}}, "pic"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "[audio]"},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{DisplayName: proto.String("Bob")}}, "[contact: Bob]"},
		{"empty", &waE2E.Message{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractMessageText(tt.msg))
		})
	}
}

func TestRetryKey(t *testing.T) {
	device := types.NewADJID("5511999999999", 0, 3)
	assert.Equal(t, "5511999999999@s.whatsapp.net/ID1", retryKey(device, "ID1"))
}
