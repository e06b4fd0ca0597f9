package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/store"
)

var ErrMissingAPIKey = errors.New("no API key configured")

// keyStore is the subset of store.SettingsStore that Provider requires.
type keyStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// BuildFunc constructs a backend for an API key.
type BuildFunc func(apiKey string) Backend

// Provider builds the configured backend on first use and forwards every
// call to it. Backends that need a credential are built only once a key is
// known; until then calls fail with ErrMissingAPIKey.
type Provider struct {
	build       BuildFunc
	requiresKey bool
	keys        keyStore

	mu      sync.Mutex
	apiKey  string
	backend Backend
}

// NewProvider creates a provider. apiKey is the key from the environment or
// config file and takes precedence over a stored key; keys may be nil.
func NewProvider(build BuildFunc, requiresKey bool, apiKey string, keys keyStore) *Provider {
	return &Provider{
		build:       build,
		requiresKey: requiresKey,
		keys:        keys,
		apiKey:      strings.TrimSpace(apiKey),
	}
}

func (p *Provider) resolve(ctx context.Context) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.backend != nil {
		return p.backend, nil
	}
	if !p.requiresKey {
		p.backend = p.build("")
		return p.backend, nil
	}

	key := p.apiKey
	if key == "" && p.keys != nil {
		stored, ok, err := p.keys.Get(ctx, store.KeyAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read stored API key: %w", err)
		}
		if ok {
			key = strings.TrimSpace(stored)
		}
	}
	if key == "" {
		return nil, ErrMissingAPIKey
	}

	p.apiKey = key
	p.backend = p.build(key)
	return p.backend, nil
}

// Ready reports whether a backend can be built without further input.
func (p *Provider) Ready(ctx context.Context) (bool, error) {
	_, err := p.resolve(ctx)
	if errors.Is(err, ErrMissingAPIKey) {
		return false, nil
	}
	return err == nil, err
}

func (p *Provider) RequiresKey() bool {
	return p.requiresKey
}

// SetAPIKey stores key and rebuilds the backend with it on next use.
func (p *Provider) SetAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("API key must not be empty")
	}
	if p.keys != nil {
		if err := p.keys.Set(ctx, store.KeyAPIKey, key); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.apiKey = key
	p.backend = nil
	p.mu.Unlock()
	return nil
}

func (p *Provider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	b, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return b.Generate(ctx, req)
}

func (p *Provider) StreamChat(ctx context.Context, system string, turns []domain.ChatTurn) (<-chan Chunk, error) {
	b, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return b.StreamChat(ctx, system, turns)
}
