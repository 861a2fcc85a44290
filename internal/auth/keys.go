package auth

import (
	"context"
	"errors"
)

// Signal key categories.
const (
	CategoryPreKey              = "pre-key"
	CategorySession             = "session"
	CategorySenderKey           = "sender-key"
	CategorySenderKeyMemory     = "sender-key-memory"
	CategoryAppStateSyncKey     = "app-state-sync-key"
	CategoryAppStateSyncVersion = "app-state-sync-version"
	CategoryIdentityKey         = "identity-key"
	// CategoryKeyIndex holds the ids stored per category and peer, for
	// stores that cannot list their keys.
	CategoryKeyIndex = "key-index"
)

// CredsKey is the singleton key the credential record lives under.
const CredsKey = "creds"

// ErrUnexpectedPayload is returned when a stored key value is not binary.
var ErrUnexpectedPayload = errors.New("unexpected key payload")

// KeyData maps category -> id -> payload. A nil or empty payload deletes
// the entry.
type KeyData map[string]map[string][]byte

// SignalKeyStore is the key half of the auth state.
type SignalKeyStore interface {
	// Get returns exactly the requested ids; absent entries map to nil.
	Get(ctx context.Context, category string, ids []string) (map[string][]byte, error)
	Set(ctx context.Context, data KeyData) error
}

// KeyName returns the storage key for a (category, id) pair.
func KeyName(category, id string) string {
	return category + "-" + id
}
