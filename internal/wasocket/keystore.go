package wasocket

import (
	"cmp"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
	"google.golang.org/protobuf/proto"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/auth"
)

// Only this many of the most recently uploaded pre-keys are counted.
const uploadedPreKeyWindow = 2 * whatsmeow.WantedPreKeyCount

// keyStore backs the whatsmeow signal stores with the auth key store, so
// sessions, pre-keys and sync keys live wherever the creds do.
//
// Ids that must be found by peer are also listed under auth.CategoryKeyIndex,
// since a key store can only be read by exact id.
type keyStore struct {
	auth *auth.State
	log  *slog.Logger

	// mu serializes index edits and pre-key counter updates.
	mu       sync.Mutex
	migrated map[string]struct{}
}

var (
	_ store.IdentityStore        = (*keyStore)(nil)
	_ store.SessionStore         = (*keyStore)(nil)
	_ store.PreKeyStore          = (*keyStore)(nil)
	_ store.SenderKeyStore       = (*keyStore)(nil)
	_ store.AppStateSyncKeyStore = (*keyStore)(nil)
)

func newKeyStore(state *auth.State, logger *slog.Logger) *keyStore {
	return &keyStore{
		auth:     state,
		log:      logger.With("component", "keystore"),
		migrated: make(map[string]struct{}),
	}
}

// install points the signal stores of dev at k.
func (k *keyStore) install(dev *store.Device) {
	dev.Identities = k
	dev.Sessions = k
	dev.PreKeys = k
	dev.SenderKeys = k
	dev.AppStateKeys = k
}

func (k *keyStore) get(ctx context.Context, category, id string) ([]byte, error) {
	values, err := k.auth.Keys.Get(ctx, category, []string{id})
	if err != nil {
		return nil, err
	}
	return values[id], nil
}

// addressUser returns the signal user of an address like "5511999999999:2".
func addressUser(address string) string {
	user, _, _ := strings.Cut(address, ":")
	return user
}

func senderKeyID(group, user string) string {
	return group + "::" + user
}

func senderKeyUser(id string) string {
	_, sender, _ := strings.Cut(id, "::")
	return addressUser(sender)
}

// peerOf returns how ids of category are grouped in the index. Sync keys
// share a single index.
func peerOf(category string) func(string) string {
	switch category {
	case auth.CategorySenderKey:
		return senderKeyUser
	case auth.CategoryAppStateSyncKey:
		return func(string) string { return "" }
	default:
		return addressUser
	}
}

// renamePeer moves an id of user from to user to.
func renamePeer(category, id, from, to string) string {
	if category == auth.CategorySenderKey {
		group, sender, _ := strings.Cut(id, "::")
		return senderKeyID(group, to+strings.TrimPrefix(sender, from))
	}
	return to + strings.TrimPrefix(id, from)
}

func indexID(category, user string) string {
	return category + ":" + user
}

func decodeIndex(index string, payload []byte) ([]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var ids []string
	if err := cbor.Unmarshal(payload, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode key index %s: %w", index, err)
	}
	return ids, nil
}

func (k *keyStore) readIndex(ctx context.Context, index string) ([]string, error) {
	payload, err := k.get(ctx, auth.CategoryKeyIndex, index)
	if err != nil {
		return nil, err
	}
	return decodeIndex(index, payload)
}

// editIndex applies fn to the ids listed under index and stages the result
// in data. Later edits of the same index in data start from the staged list.
func (k *keyStore) editIndex(ctx context.Context, data auth.KeyData, index string, fn func([]string) []string) error {
	pending, staged := data[auth.CategoryKeyIndex][index]
	var ids []string
	var err error
	if staged {
		ids, err = decodeIndex(index, pending)
	} else {
		ids, err = k.readIndex(ctx, index)
	}
	if err != nil {
		return err
	}

	before := len(ids)
	ids = fn(ids)
	if !staged && len(ids) == before {
		return nil
	}

	var payload []byte
	if len(ids) > 0 {
		if payload, err = cbor.Marshal(ids); err != nil {
			return fmt.Errorf("failed to encode key index %s: %w", index, err)
		}
	}
	if data[auth.CategoryKeyIndex] == nil {
		data[auth.CategoryKeyIndex] = make(map[string][]byte)
	}
	data[auth.CategoryKeyIndex][index] = payload
	return nil
}

func addIDs(add ...string) func([]string) []string {
	return func(ids []string) []string {
		for _, id := range add {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		return ids
	}
}

func removeIDs(remove ...string) func([]string) []string {
	return func(ids []string) []string {
		return slices.DeleteFunc(ids, func(id string) bool {
			return slices.Contains(remove, id)
		})
	}
}

// put writes entries and lists them under their peer's index. k.mu must be held.
func (k *keyStore) put(ctx context.Context, category string, entries map[string][]byte) error {
	data := auth.KeyData{category: entries}
	peer := peerOf(category)
	for id := range entries {
		if err := k.editIndex(ctx, data, indexID(category, peer(id)), addIDs(id)); err != nil {
			return err
		}
	}
	return k.auth.Keys.Set(ctx, data)
}

// remove deletes ids and unlists them. k.mu must be held.
func (k *keyStore) remove(ctx context.Context, category string, ids ...string) error {
	data := auth.KeyData{category: make(map[string][]byte, len(ids))}
	peer := peerOf(category)
	for _, id := range ids {
		data[category][id] = nil
		if err := k.editIndex(ctx, data, indexID(category, peer(id)), removeIDs(id)); err != nil {
			return err
		}
	}
	return k.auth.Keys.Set(ctx, data)
}

// removePeer deletes every id listed for user. k.mu must be held.
func (k *keyStore) removePeer(ctx context.Context, category, user string) error {
	index := indexID(category, user)
	ids, err := k.readIndex(ctx, index)
	if err != nil || len(ids) == 0 {
		return err
	}

	data := auth.KeyData{
		category:              make(map[string][]byte, len(ids)),
		auth.CategoryKeyIndex: {index: nil},
	}
	for _, id := range ids {
		data[category][id] = nil
	}
	return k.auth.Keys.Set(ctx, data)
}

// movePeer rewrites every id listed for user from as an id of user to,
// replacing entries that already exist there. k.mu must be held.
func (k *keyStore) movePeer(ctx context.Context, category, from, to string) (int, error) {
	index := indexID(category, from)
	ids, err := k.readIndex(ctx, index)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	values, err := k.auth.Keys.Get(ctx, category, ids)
	if err != nil {
		return 0, err
	}

	data := auth.KeyData{
		category:              make(map[string][]byte, 2*len(ids)),
		auth.CategoryKeyIndex: {index: nil},
	}
	moved := make([]string, 0, len(ids))
	for _, id := range ids {
		data[category][id] = nil
		if value := values[id]; value != nil {
			newID := renamePeer(category, id, from, to)
			data[category][newID] = value
			moved = append(moved, newID)
		}
	}
	if err := k.editIndex(ctx, data, indexID(category, to), addIDs(moved...)); err != nil {
		return 0, err
	}
	return len(moved), k.auth.Keys.Set(ctx, data)
}

func (k *keyStore) PutIdentity(ctx context.Context, address string, key [32]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.put(ctx, auth.CategoryIdentityKey, map[string][]byte{address: key[:]})
}

func (k *keyStore) DeleteAllIdentities(ctx context.Context, phone string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.removePeer(ctx, auth.CategoryIdentityKey, phone)
}

func (k *keyStore) DeleteIdentity(ctx context.Context, address string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.remove(ctx, auth.CategoryIdentityKey, address)
}

// IsTrustedIdentity trusts unknown addresses; their key is saved later.
func (k *keyStore) IsTrustedIdentity(ctx context.Context, address string, key [32]byte) (bool, error) {
	existing, err := k.get(ctx, auth.CategoryIdentityKey, address)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	if len(existing) != 32 {
		return false, fmt.Errorf("%w: identity of %s has %d bytes", errBadKey, address, len(existing))
	}
	return [32]byte(existing) == key, nil
}

func (k *keyStore) GetSession(ctx context.Context, address string) ([]byte, error) {
	return k.get(ctx, auth.CategorySession, address)
}

func (k *keyStore) HasSession(ctx context.Context, address string) (bool, error) {
	session, err := k.GetSession(ctx, address)
	return session != nil, err
}

func (k *keyStore) GetManySessions(ctx context.Context, addresses []string) (map[string][]byte, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	return k.auth.Keys.Get(ctx, auth.CategorySession, addresses)
}

func (k *keyStore) PutSession(ctx context.Context, address string, session []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.put(ctx, auth.CategorySession, map[string][]byte{address: session})
}

func (k *keyStore) PutManySessions(ctx context.Context, sessions map[string][]byte) error {
	if len(sessions) == 0 {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.put(ctx, auth.CategorySession, sessions)
}

func (k *keyStore) DeleteAllSessions(ctx context.Context, phone string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.removePeer(ctx, auth.CategorySession, phone)
}

func (k *keyStore) DeleteSession(ctx context.Context, address string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.remove(ctx, auth.CategorySession, address)
}

// MigratePNToLID moves the sessions, identities and sender keys of a phone
// number user to its LID. Each user is migrated once per socket.
func (k *keyStore) MigratePNToLID(ctx context.Context, pn, lid types.JID) error {
	from, to := pn.SignalAddressUser(), lid.SignalAddressUser()

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.migrated[from]; ok {
		return nil
	}

	var total int
	for _, category := range []string{auth.CategorySession, auth.CategoryIdentityKey, auth.CategorySenderKey} {
		n, err := k.movePeer(ctx, category, from, to)
		if err != nil {
			return fmt.Errorf("failed to migrate %s keys: %w", category, err)
		}
		total += n
	}
	k.migrated[from] = struct{}{}
	if total > 0 {
		k.log.Debug("Migrated signal keys to LID", "pn", from, "lid", to, "keys", total)
	}
	return nil
}

func preKeyID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func decodePreKey(id uint32, payload []byte) (*keys.PreKey, error) {
	if len(payload) != 32 {
		return nil, fmt.Errorf("%w: pre-key %d has %d bytes", errBadKey, id, len(payload))
	}
	return &keys.PreKey{KeyPair: *keys.NewKeyPairFromPrivateKey([32]byte(payload)), KeyID: id}, nil
}

// preKeyCounters returns the next id to generate and the first id not yet
// uploaded. Ids in between are generated but unuploaded.
func (k *keyStore) preKeyCounters() (next, firstUnuploaded uint32) {
	creds := k.auth.CredsSnapshot()
	next = max(creds.NextPreKeyID, 1)
	return next, min(max(creds.FirstUnuploadedPreKeyID, 1), next)
}

func (k *keyStore) savePreKeyCounters(ctx context.Context, next, firstUnuploaded uint32) error {
	k.auth.UpdateCreds(func(c *auth.Creds) {
		c.NextPreKeyID = next
		c.FirstUnuploadedPreKeyID = firstUnuploaded
	})
	if err := k.auth.SaveCreds(ctx); err != nil {
		return fmt.Errorf("failed to save pre-key counters: %w", err)
	}
	return nil
}

// GetOrGenPreKeys returns count unuploaded pre-keys, generating the missing ones.
func (k *keyStore) GetOrGenPreKeys(ctx context.Context, count uint32) ([]*keys.PreKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	next, first := k.preKeyCounters()
	result := make([]*keys.PreKey, 0, count)

	if end := min(next, first+count); first < end {
		ids := make([]string, 0, end-first)
		for id := first; id < end; id++ {
			ids = append(ids, preKeyID(id))
		}
		stored, err := k.auth.Keys.Get(ctx, auth.CategoryPreKey, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to read pre-keys: %w", err)
		}
		for id := first; id < end; id++ {
			payload := stored[preKeyID(id)]
			if payload == nil {
				continue
			}
			key, err := decodePreKey(id, payload)
			if err != nil {
				return nil, err
			}
			result = append(result, key)
		}
	}
	if uint32(len(result)) >= count {
		return result, nil
	}

	generated := make(map[string][]byte, int(count)-len(result))
	for uint32(len(result)) < count {
		key := keys.NewPreKey(next)
		next++
		generated[preKeyID(key.KeyID)] = append([]byte(nil), key.Priv[:]...)
		result = append(result, key)
	}
	if err := k.auth.Keys.Set(ctx, auth.KeyData{auth.CategoryPreKey: generated}); err != nil {
		return nil, fmt.Errorf("failed to store pre-keys: %w", err)
	}
	if err := k.savePreKeyCounters(ctx, next, first); err != nil {
		return nil, err
	}
	return result, nil
}

// GenOnePreKey generates a pre-key that is handed out directly rather than
// uploaded.
func (k *keyStore) GenOnePreKey(ctx context.Context) (*keys.PreKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	next, first := k.preKeyCounters()
	key := keys.NewPreKey(next)
	payload := append([]byte(nil), key.Priv[:]...)
	if err := k.auth.Keys.Set(ctx, auth.KeyData{auth.CategoryPreKey: {preKeyID(key.KeyID): payload}}); err != nil {
		return nil, fmt.Errorf("failed to store pre-key: %w", err)
	}
	if first == next {
		first++
	}
	if err := k.savePreKeyCounters(ctx, next+1, first); err != nil {
		return nil, err
	}
	return key, nil
}

func (k *keyStore) GetPreKey(ctx context.Context, id uint32) (*keys.PreKey, error) {
	payload, err := k.get(ctx, auth.CategoryPreKey, preKeyID(id))
	if err != nil || payload == nil {
		return nil, err
	}
	return decodePreKey(id, payload)
}

func (k *keyStore) RemovePreKey(ctx context.Context, id uint32) error {
	return k.auth.Keys.Set(ctx, auth.KeyData{auth.CategoryPreKey: {preKeyID(id): nil}})
}

func (k *keyStore) MarkPreKeysAsUploaded(ctx context.Context, upToID uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	next, first := k.preKeyCounters()
	if upToID < first {
		return nil
	}
	return k.savePreKeyCounters(ctx, next, min(upToID+1, next))
}

func (k *keyStore) UploadedPreKeyCount(ctx context.Context) (int, error) {
	_, first := k.preKeyCounters()
	lowest := uint32(1)
	if first > uploadedPreKeyWindow {
		lowest = first - uploadedPreKeyWindow
	}
	if lowest >= first {
		return 0, nil
	}

	ids := make([]string, 0, first-lowest)
	for id := lowest; id < first; id++ {
		ids = append(ids, preKeyID(id))
	}
	stored, err := k.auth.Keys.Get(ctx, auth.CategoryPreKey, ids)
	if err != nil {
		return 0, err
	}
	var count int
	for _, payload := range stored {
		if payload != nil {
			count++
		}
	}
	return count, nil
}

func (k *keyStore) PutSenderKey(ctx context.Context, group, user string, session []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.put(ctx, auth.CategorySenderKey, map[string][]byte{senderKeyID(group, user): session})
}

func (k *keyStore) GetSenderKey(ctx context.Context, group, user string) ([]byte, error) {
	return k.get(ctx, auth.CategorySenderKey, senderKeyID(group, user))
}

func appStateKeyID(id []byte) string {
	return base64.StdEncoding.EncodeToString(id)
}

func fromAppStateKeyData(data *waE2E.AppStateSyncKeyData) (*store.AppStateSyncKey, error) {
	key := &store.AppStateSyncKey{
		Data:      data.GetKeyData(),
		Timestamp: data.GetTimestamp(),
	}
	if data.Fingerprint != nil {
		fingerprint, err := proto.Marshal(data.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to encode key fingerprint: %w", err)
		}
		key.Fingerprint = fingerprint
	}
	return key, nil
}

// PutAppStateSyncKey stores key unless a key with the same id and a newer
// or equal timestamp is already stored.
func (k *keyStore) PutAppStateSyncKey(ctx context.Context, id []byte, key store.AppStateSyncKey) error {
	keyID := appStateKeyID(id)

	k.mu.Lock()
	defer k.mu.Unlock()

	existing, err := auth.AppStateSyncKeys(ctx, k.auth.Keys, keyID)
	if err != nil {
		return err
	}
	if old := existing[keyID]; old != nil && old.GetTimestamp() >= key.Timestamp {
		return nil
	}

	data := &waE2E.AppStateSyncKeyData{
		KeyData:   key.Data,
		Timestamp: proto.Int64(key.Timestamp),
	}
	if len(key.Fingerprint) > 0 {
		data.Fingerprint = &waE2E.AppStateSyncKeyFingerprint{}
		if err := proto.Unmarshal(key.Fingerprint, data.Fingerprint); err != nil {
			return fmt.Errorf("failed to decode key fingerprint: %w", err)
		}
	}
	payload, err := auth.EncodeAppStateSyncKey(data)
	if err != nil {
		return err
	}
	return k.put(ctx, auth.CategoryAppStateSyncKey, map[string][]byte{keyID: payload})
}

func (k *keyStore) GetAppStateSyncKey(ctx context.Context, id []byte) (*store.AppStateSyncKey, error) {
	keyID := appStateKeyID(id)
	stored, err := auth.AppStateSyncKeys(ctx, k.auth.Keys, keyID)
	if err != nil {
		return nil, err
	}
	data := stored[keyID]
	if data == nil {
		return nil, nil
	}
	return fromAppStateKeyData(data)
}

type appStateKey struct {
	id  string
	key *store.AppStateSyncKey
}

// appStateKeys returns every listed sync key, newest first.
func (k *keyStore) appStateKeys(ctx context.Context) ([]appStateKey, error) {
	ids, err := k.readIndex(ctx, indexID(auth.CategoryAppStateSyncKey, ""))
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	stored, err := auth.AppStateSyncKeys(ctx, k.auth.Keys, ids...)
	if err != nil {
		return nil, err
	}

	result := make([]appStateKey, 0, len(stored))
	for _, id := range ids {
		data := stored[id]
		if data == nil || len(data.GetKeyData()) == 0 {
			continue
		}
		key, err := fromAppStateKeyData(data)
		if err != nil {
			return nil, err
		}
		result = append(result, appStateKey{id: id, key: key})
	}
	slices.SortStableFunc(result, func(a, b appStateKey) int {
		return cmp.Compare(b.key.Timestamp, a.key.Timestamp)
	})
	return result, nil
}

func (k *keyStore) GetLatestAppStateSyncKeyID(ctx context.Context) ([]byte, error) {
	all, err := k.appStateKeys(ctx)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	id, err := base64.StdEncoding.DecodeString(all[0].id)
	if err != nil {
		return nil, fmt.Errorf("failed to decode app state key id: %w", err)
	}
	return id, nil
}

func (k *keyStore) GetAllAppStateSyncKeys(ctx context.Context) ([]*store.AppStateSyncKey, error) {
	all, err := k.appStateKeys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]*store.AppStateSyncKey, 0, len(all))
	for _, item := range all {
		result = append(result, item.key)
	}
	return result, nil
}

// keyContainer saves devices in the device database but keeps their signal
// stores on the auth key store. sqlstore rebinds every store of a device on
// its first save, so the key stores are bound again after each save.
type keyContainer struct {
	*sqlstore.Container
	keys *keyStore
}

var _ store.DeviceContainer = (*keyContainer)(nil)

func (c *keyContainer) PutDevice(ctx context.Context, dev *store.Device) error {
	err := c.Container.PutDevice(ctx, dev)
	c.bind(dev)
	return err
}

// bind routes the signal stores and later saves of dev through c.
func (c *keyContainer) bind(dev *store.Device) {
	c.keys.install(dev)
	dev.Container = c
}
