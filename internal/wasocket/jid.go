package wasocket

import (
	"errors"
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidGroup     = errors.New("invalid group JID")
)

var nonDigits = regexp.MustCompile(`[^\d]`)

// ParseRecipient accepts a JID or a phone number in any common notation.
func ParseRecipient(recipient string) (types.JID, error) {
	if recipient == "" {
		return types.JID{}, ErrInvalidRecipient
	}

	if strings.Contains(recipient, "@") {
		return types.ParseJID(recipient)
	}

	phone := nonDigits.ReplaceAllString(recipient, "")
	if phone == "" {
		return types.JID{}, ErrInvalidRecipient
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

// ParseGroupJID parses jid and requires it to be a group.
func ParseGroupJID(jid string) (types.JID, error) {
	if jid == "" {
		return types.JID{}, ErrInvalidGroup
	}

	parsed, err := types.ParseJID(jid)
	if err != nil {
		return types.JID{}, err
	}
	if parsed.Server != types.GroupServer {
		return types.JID{}, ErrInvalidGroup
	}
	return parsed, nil
}

// PhoneDigits strips everything but digits, as pairing codes require.
func PhoneDigits(phone string) string {
	return nonDigits.ReplaceAllString(phone, "")
}
