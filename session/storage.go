package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// Storage is volatile storage scoped to one extension session. Every context
// of the extension that shares a Storage sees the same slots, which is how
// a background and a content context agree on a generation's key and token.
//
// Implementations must be safe for concurrent use and must never write to
// durable media.
type Storage interface {
	// LoadOrStore returns the existing value of the slot if present.
	// Otherwise it stores value and returns it. The loaded result is true if
	// the value was loaded, false if stored. The returned slice is owned by
	// the caller.
	LoadOrStore(ctx context.Context, name string, value []byte) (actual []byte, loaded bool, err error)

	// Delete removes the slot. Deleting a missing slot is not an error.
	Delete(ctx context.Context, name string) error
}

// MemoryStorage is a Storage backed by process memory. Values are sealed in
// memguard enclaves and only decrypted while being copied out.
type MemoryStorage struct {
	mu    sync.RWMutex
	slots map[string]*memguard.Enclave
	err   error // deferred validation error from options
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithValue pre-populates a slot, e.g. with a key handed over from another
// context. The value is copied; the caller may wipe the original.
func WithValue(name string, value []byte) MemoryOption {
	return func(s *MemoryStorage) {
		if s.err != nil {
			return
		}
		if name == "" {
			s.err = fmt.Errorf("%w: slot name must not be empty", ErrInvalidName)
			return
		}
		if len(value) == 0 {
			s.err = fmt.Errorf("%w: slot %q has no data", ErrInvalidValue, name)
			return
		}
		s.slots[name] = seal(value)
	}
}

// NewMemoryStorage creates an empty in-memory Storage.
func NewMemoryStorage(opts ...MemoryOption) (*MemoryStorage, error) {
	s := &MemoryStorage{
		slots: make(map[string]*memguard.Enclave),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.err != nil {
		return nil, s.err
	}

	return s, nil
}

// LoadOrStore implements Storage.
func (s *MemoryStorage) LoadOrStore(ctx context.Context, name string, value []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if name == "" {
		return nil, false, fmt.Errorf("%w: slot name must not be empty", ErrInvalidName)
	}
	if len(value) == 0 {
		return nil, false, fmt.Errorf("%w: slot %q has no data", ErrInvalidValue, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if enc, ok := s.slots[name]; ok {
		b, err := unseal(enc)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return b, true, nil
	}

	s.slots[name] = seal(value)
	return append([]byte(nil), value...), false, nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, name)
	return nil
}

// Len returns the number of occupied slots.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// seal copies b into a new enclave. memguard wipes the buffer it is given,
// so the caller's slice is left untouched.
func seal(b []byte) *memguard.Enclave {
	return memguard.NewEnclave(append([]byte(nil), b...))
}

func unseal(enc *memguard.Enclave) ([]byte, error) {
	buf, err := enc.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return append([]byte(nil), buf.Bytes()...), nil
}

// Compile-time interface check.
var _ Storage = (*MemoryStorage)(nil)
