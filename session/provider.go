// Package session produces and caches the per-session secrets used by the
// message validators: a 32-byte symmetric key and an authentication token
// per validator generation.
//
// Values are generated lazily, kept only in volatile Storage, and cached by
// their provider. Key material stays sealed in a memguard enclave and is
// only decrypted for the duration of a single cipher operation.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// KeySize is the size of a session key in bytes (AES-256).
const KeySize = 32

// Provider produces one session-scoped value.
// Implementations must be safe for concurrent use.
type Provider[V any] interface {
	// Value returns the cached value if it was generated (or adopted) during
	// this session.
	Value() (V, bool)

	// Generate creates a fresh value, persists it in session storage and
	// caches it. If another context already stored a value under the same
	// slot, that value is adopted instead.
	Generate(ctx context.Context) (V, error)
}

// KeySlot returns the storage slot name of a generation's key.
func KeySlot(runtimeID string, generation int64) string {
	return fmt.Sprintf("%s/%d/key", runtimeID, generation)
}

// TokenSlot returns the storage slot name of a generation's token.
func TokenSlot(runtimeID string, generation int64) string {
	return fmt.Sprintf("%s/%d/token", runtimeID, generation)
}

// KeyProvider provides a sealed symmetric key.
type KeyProvider struct {
	storage Storage
	name    string

	mu  sync.RWMutex
	key *memguard.Enclave
}

// NewKeyProvider creates a key provider bound to one storage slot.
func NewKeyProvider(storage Storage, name string) *KeyProvider {
	return &KeyProvider{storage: storage, name: name}
}

// Name returns the storage slot name.
func (p *KeyProvider) Name() string { return p.name }

// Value returns the cached key enclave.
func (p *KeyProvider) Value() (*memguard.Enclave, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.key, p.key != nil
}

// Generate creates a random key, stores it and caches the sealed result.
func (p *KeyProvider) Generate(ctx context.Context) (*memguard.Enclave, error) {
	if p.storage == nil {
		return nil, fmt.Errorf("%w: no storage for %q", ErrStorageUnavailable, p.name)
	}

	buf := memguard.NewBufferRandom(KeySize)
	defer buf.Destroy()

	actual, _, err := p.storage.LoadOrStore(ctx, p.name, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(actual) != KeySize {
		memguard.WipeBytes(actual)
		return nil, fmt.Errorf("%w: key slot %q has %d bytes", ErrInvalidValue, p.name, len(actual))
	}

	// NewEnclave wipes actual.
	key := memguard.NewEnclave(actual)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	return key, nil
}

// TokenProvider provides the token that tags a validator generation.
// Tokens are random UUIDs: unique, but not secret-strength.
type TokenProvider struct {
	storage Storage
	name    string

	mu    sync.RWMutex
	token string
}

// NewTokenProvider creates a token provider bound to one storage slot.
func NewTokenProvider(storage Storage, name string) *TokenProvider {
	return &TokenProvider{storage: storage, name: name}
}

// Name returns the storage slot name.
func (p *TokenProvider) Name() string { return p.name }

// Value returns the cached token.
func (p *TokenProvider) Value() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, p.token != ""
}

// Generate creates a random token, stores it and caches the result.
func (p *TokenProvider) Generate(ctx context.Context) (string, error) {
	if p.storage == nil {
		return "", fmt.Errorf("%w: no storage for %q", ErrStorageUnavailable, p.name)
	}

	actual, _, err := p.storage.LoadOrStore(ctx, p.name, []byte(uuid.NewString()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(actual) == 0 {
		return "", fmt.Errorf("%w: token slot %q is empty", ErrInvalidValue, p.name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = string(actual)
	return p.token, nil
}

// Compile-time interface checks.
var (
	_ Provider[*memguard.Enclave] = (*KeyProvider)(nil)
	_ Provider[string]            = (*TokenProvider)(nil)
)
