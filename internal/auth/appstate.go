package auth

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// AppStateSyncKeys reads app-state-sync-key entries and decodes them.
// Absent ids map to nil.
func AppStateSyncKeys(ctx context.Context, keys SignalKeyStore, ids ...string) (map[string]*waE2E.AppStateSyncKeyData, error) {
	raw, err := keys.Get(ctx, CategoryAppStateSyncKey, ids)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*waE2E.AppStateSyncKeyData, len(raw))
	for id, payload := range raw {
		if payload == nil {
			result[id] = nil
			continue
		}
		data := &waE2E.AppStateSyncKeyData{}
		if err := proto.Unmarshal(payload, data); err != nil {
			return nil, fmt.Errorf("failed to decode app state sync key %s: %w", id, err)
		}
		result[id] = data
	}
	return result, nil
}

// EncodeAppStateSyncKey is the inverse of the decode in AppStateSyncKeys.
func EncodeAppStateSyncKey(data *waE2E.AppStateSyncKeyData) ([]byte, error) {
	payload, err := proto.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode app state sync key: %w", err)
	}
	return payload, nil
}
