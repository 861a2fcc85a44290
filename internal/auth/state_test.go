package auth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testDecMode, _ = cbor.DecOptions{
	DefaultMapType: reflect.TypeOf(map[string]any(nil)),
}.DecMode()

// memBackend keeps CBOR-encoded values so reads come back normalized the
// way a real backend returns them.
type memBackend struct {
	mu        sync.Mutex
	data      map[string][]byte
	writeErr  error
	readErr   error
	destroyed int
	ops       []string
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte)}
}

func (m *memBackend) ReadData(ctx context.Context, key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "read:"+key)
	if m.readErr != nil {
		return nil, m.readErr
	}
	raw, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	var v any
	if err := testDecMode.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (m *memBackend) WriteData(ctx context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "write:"+key)
	if m.writeErr != nil {
		return m.writeErr
	}
	raw, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

func (m *memBackend) RemoveData(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "remove:"+key)
	delete(m.data, key)
	return nil
}

func (m *memBackend) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed++
	m.data = make(map[string][]byte)
	return nil
}

func (m *memBackend) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// capturingBackend reports every value handed to WriteData.
type capturingBackend struct {
	*memBackend
	onWrite func(key string, value any)
}

func (c *capturingBackend) WriteData(ctx context.Context, key string, value any) error {
	c.onWrite(key, value)
	return c.memBackend.WriteData(ctx, key, value)
}

func TestLoad_InitializesFreshCreds(t *testing.T) {
	backend := newMemBackend()

	state, err := Load(context.Background(), backend, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, state.Creds)

	assert.Len(t, state.Creds.NoiseKey.Public, 32)
	assert.Len(t, state.Creds.SignedIdentityKey.Private, 32)
	assert.Len(t, state.Creds.SignedPreKey.Signature, 64)
	assert.False(t, state.Creds.Registered)
	assert.False(t, state.Creds.HasIdentity())
	assert.False(t, backend.has(CredsKey), "fresh creds are not written until saved")
}

func TestLoad_RoundTripsSavedCreds(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()

	state, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)
	state.Creds.Registered = true
	state.Creds.Me = &Contact{ID: "5511999999999:1@s.whatsapp.net", Name: "Ada"}
	state.Creds.Platform = "android"
	require.NoError(t, state.SaveCreds(ctx))

	reloaded, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, state.Creds, reloaded.Creds)
	assert.True(t, reloaded.Creds.HasIdentity())
}

func TestLoad_ReadFailure(t *testing.T) {
	backend := newMemBackend()
	backend.readErr = errors.New("boom")

	_, err := Load(context.Background(), backend, nil, nil)
	assert.ErrorIs(t, err, backend.readErr)
}

func TestSaveCreds_SurfacesWriteFailure(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	state, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)

	backend.writeErr = errors.New("disk full")
	err = state.SaveCreds(ctx)
	assert.ErrorIs(t, err, backend.writeErr)
}

func TestSaveCreds_WritesSnapshot(t *testing.T) {
	ctx := context.Background()
	var written *Creds
	backend := &capturingBackend{memBackend: newMemBackend(), onWrite: func(key string, value any) {
		if key == CredsKey {
			written, _ = value.(*Creds)
		}
	}}
	state, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)
	state.UpdateCreds(func(c *Creds) {
		c.Me = &Contact{ID: "5511999999999:1@s.whatsapp.net"}
	})

	require.NoError(t, state.SaveCreds(ctx))
	require.NotNil(t, written)
	assert.NotSame(t, state.Creds, written)
	assert.NotSame(t, state.Creds.Me, written.Me)
	assert.Equal(t, state.Creds, written)
}

func TestState_ConcurrentUpdateAndSave(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	state, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			state.UpdateCreds(func(c *Creds) {
				c.Registered = true
				c.PairingCode = fmt.Sprintf("CODE%04d", i)
				c.Me = &Contact{ID: "5511999999999:1@s.whatsapp.net"}
			})
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, state.SaveCreds(ctx))
		}()
	}
	wg.Wait()

	require.NoError(t, state.SaveCreds(ctx))
	reloaded, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)
	assert.True(t, reloaded.Creds.Registered)
	assert.Equal(t, state.CredsSnapshot(), reloaded.Creds)
}

func TestCreds_Clone(t *testing.T) {
	creds := InitCreds()
	creds.Me = &Contact{ID: "5511999999999:1@s.whatsapp.net", Name: "Ada"}
	creds.Account = &Account{Details: []byte{1}, DeviceSignature: []byte{2}}

	clone := creds.Clone()
	require.Equal(t, creds, clone)

	clone.Me.Name = "Grace"
	clone.Account.Details = []byte{9}
	clone.Registered = true
	assert.Equal(t, "Ada", creds.Me.Name)
	assert.Equal(t, []byte{1}, creds.Account.Details)
	assert.False(t, creds.Registered)

	assert.Nil(t, (*Creds)(nil).Clone())
}

func TestKeys_GetReturnsExactlyRequestedIDs(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	state, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)

	require.NoError(t, state.Keys.Set(ctx, KeyData{
		CategoryPreKey: {"1": []byte{1}, "2": []byte{2}},
	}))

	got, err := state.Keys.Get(ctx, CategoryPreKey, []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, []byte{1}, got["1"])
	assert.Equal(t, []byte{2}, got["2"])
	v, ok := got["3"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.True(t, backend.has("pre-key-1"))
}

func TestKeys_SetEmptyValueDeletes(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	state, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)

	require.NoError(t, state.Keys.Set(ctx, KeyData{CategorySession: {"abc": []byte("session")}}))
	require.True(t, backend.has("session-abc"))

	require.NoError(t, state.Keys.Set(ctx, KeyData{CategorySession: {"abc": nil}}))
	assert.False(t, backend.has("session-abc"))

	got, err := state.Keys.Get(ctx, CategorySession, []string{"abc"})
	require.NoError(t, err)
	assert.Nil(t, got["abc"])
}

func TestKeys_SetSurfacesFailure(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	state, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)

	backend.writeErr = errors.New("write failed")
	err = state.Keys.Set(ctx, KeyData{CategorySenderKey: {"g1": []byte{9}}})
	assert.ErrorIs(t, err, backend.writeErr)
}

func TestKeys_GetRejectsStructuredPayload(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	state, err := Load(ctx, backend, nil, nil)
	require.NoError(t, err)

	require.NoError(t, backend.WriteData(ctx, "pre-key-7", map[string]any{"public": []byte{1}}))

	_, err = state.Keys.Get(ctx, CategoryPreKey, []string{"7"})
	assert.ErrorIs(t, err, ErrUnexpectedPayload)
}

func TestKeys_ObserverSeesOps(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()

	var mu sync.Mutex
	counts := map[string]int{}
	observer := func(op string, err error) {
		mu.Lock()
		defer mu.Unlock()
		counts[op]++
	}

	state, err := Load(ctx, backend, nil, observer)
	require.NoError(t, err)
	require.NoError(t, state.Keys.Set(ctx, KeyData{CategoryPreKey: {"1": {1}, "2": nil}}))
	_, err = state.Keys.Get(ctx, CategoryPreKey, []string{"1"})
	require.NoError(t, err)
	require.NoError(t, state.SaveCreds(ctx))

	assert.Equal(t, 1, counts["set"])
	assert.Equal(t, 1, counts["delete"])
	assert.Equal(t, 1, counts["get"])
	assert.Equal(t, 1, counts["save_creds"])
}

func TestKeys_RoundTripProperty(t *testing.T) {
	ctx := context.Background()
	rapid.Check(t, func(t *rapid.T) {
		backend := newMemBackend()
		state, err := Load(ctx, backend, nil, nil)
		if err != nil {
			t.Fatal(err)
		}

		category := rapid.SampledFrom([]string{
			CategoryPreKey, CategorySession, CategorySenderKey, CategoryAppStateSyncKey,
		}).Draw(t, "category")
		id := rapid.StringMatching(`[a-z0-9:.@]{1,24}`).Draw(t, "id")
		payload := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(t, "payload")

		if err := state.Keys.Set(ctx, KeyData{category: {id: payload}}); err != nil {
			t.Fatal(err)
		}
		got, err := state.Keys.Get(ctx, category, []string{id})
		if err != nil {
			t.Fatal(err)
		}
		if string(got[id]) != string(payload) {
			t.Fatalf("payload mismatch for %s-%s", category, id)
		}
	})
}

func TestBackendProvider_Destroy(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	provider := NewProvider(backend)

	state, err := provider.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, state.SaveCreds(ctx))
	require.True(t, backend.has(CredsKey))

	require.NoError(t, provider.Destroy(ctx))
	assert.Equal(t, 1, backend.destroyed)
	assert.False(t, backend.has(CredsKey))
}

func TestKeyName(t *testing.T) {
	assert.Equal(t, "app-state-sync-key-AAAA", KeyName(CategoryAppStateSyncKey, "AAAA"))
	assert.Equal(t, "pre-key-1", KeyName(CategoryPreKey, "1"))
}
