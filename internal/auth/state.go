package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"
)

// Backend is a durable key -> value document store. ReadData returns
// (nil, nil) for absent keys and values normalized to []byte,
// map[string]any, []any and scalars.
type Backend interface {
	ReadData(ctx context.Context, key string) (any, error)
	WriteData(ctx context.Context, key string, value any) error
	RemoveData(ctx context.Context, key string) error
}

// SessionBackend is a Backend that can also destroy everything it holds.
type SessionBackend interface {
	Backend
	Destroy(ctx context.Context) error
}

// OpObserver receives the outcome of every backend key operation.
type OpObserver func(op string, err error)

// State is the auth state handed to the socket layer. Creds may be read
// directly only by the goroutine that loaded it; once the socket runs, use
// UpdateCreds and CredsSnapshot.
type State struct {
	Creds *Creds
	Keys  SignalKeyStore

	mu        sync.Mutex
	saveCreds func(ctx context.Context, creds *Creds) error
}

// UpdateCreds applies fn to the creds under the state lock.
func (s *State) UpdateCreds(fn func(*Creds)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.Creds)
}

// CredsSnapshot returns a copy of the creds taken under the state lock.
func (s *State) CredsSnapshot() *Creds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Creds.Clone()
}

// SaveCreds persists a snapshot of the in-memory creds under CredsKey.
func (s *State) SaveCreds(ctx context.Context) error {
	return s.saveCreds(ctx, s.CredsSnapshot())
}

// Provider yields the auth state for a connect attempt and can wipe it.
type Provider interface {
	Load(ctx context.Context) (*State, error)
	Destroy(ctx context.Context) error
}

// BackendProvider implements Provider over a SessionBackend.
type BackendProvider struct {
	backend  SessionBackend
	logger   *slog.Logger
	observer OpObserver
}

// ProviderOption configures a BackendProvider.
type ProviderOption func(*BackendProvider)

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *BackendProvider) {
		p.logger = logger
	}
}

// WithObserver sets a callback for key operation outcomes.
func WithObserver(observer OpObserver) ProviderOption {
	return func(p *BackendProvider) {
		p.observer = observer
	}
}

// NewProvider creates a Provider over backend.
func NewProvider(backend SessionBackend, opts ...ProviderOption) *BackendProvider {
	p := &BackendProvider{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "auth")
	return p
}

// Load reads stored creds, falling back to fresh ones, and wires the key store.
func (p *BackendProvider) Load(ctx context.Context) (*State, error) {
	return Load(ctx, p.backend, p.logger, p.observer)
}

// Destroy wipes all persisted auth state.
func (p *BackendProvider) Destroy(ctx context.Context) error {
	if err := p.backend.Destroy(ctx); err != nil {
		return fmt.Errorf("failed to destroy auth state: %w", err)
	}
	p.logger.Info("Auth state destroyed")
	return nil
}

// Load builds a State from backend.
func Load(ctx context.Context, backend Backend, logger *slog.Logger, observer OpObserver) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}

	raw, err := backend.ReadData(ctx, CredsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read creds: %w", err)
	}

	creds, err := decodeCreds(raw)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		logger.Info("No stored credentials, initializing new ones")
		creds = InitCreds()
	}

	keys := &documentKeys{backend: backend, observer: observer}
	state := &State{Creds: creds, Keys: keys}
	state.saveCreds = func(ctx context.Context, creds *Creds) error {
		err := backend.WriteData(ctx, CredsKey, creds)
		keys.observe("save_creds", err)
		if err != nil {
			return fmt.Errorf("failed to save creds: %w", err)
		}
		return nil
	}
	return state, nil
}

func decodeCreds(raw any) (*Creds, error) {
	if raw == nil {
		return nil, nil
	}

	creds := &Creds{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  creds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create creds decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode creds: %w", err)
	}
	return creds, nil
}

// documentKeys stores each signal key as its own document.
type documentKeys struct {
	backend  Backend
	observer OpObserver
}

func (k *documentKeys) observe(op string, err error) {
	if k.observer != nil {
		k.observer(op, err)
	}
}

func (k *documentKeys) Get(ctx context.Context, category string, ids []string) (map[string][]byte, error) {
	var mu sync.Mutex
	result := make(map[string][]byte, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			key := KeyName(category, id)
			raw, err := k.backend.ReadData(ctx, key)
			k.observe("get", err)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", key, err)
			}
			payload, err := asBytes(key, raw)
			if err != nil {
				return err
			}

			mu.Lock()
			result[id] = payload
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (k *documentKeys) Set(ctx context.Context, data KeyData) error {
	var g errgroup.Group
	for category, entries := range data {
		for id, value := range entries {
			key := KeyName(category, id)
			g.Go(func() error {
				if len(value) == 0 {
					err := k.backend.RemoveData(ctx, key)
					k.observe("delete", err)
					if err != nil {
						return fmt.Errorf("failed to remove %s: %w", key, err)
					}
					return nil
				}
				err := k.backend.WriteData(ctx, key, value)
				k.observe("set", err)
				if err != nil {
					return fmt.Errorf("failed to write %s: %w", key, err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func asBytes(key string, raw any) ([]byte, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: %s holds %T", ErrUnexpectedPayload, key, raw)
	}
}
