package secmsg

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rbaliyan/config/codec"

	"github.com/rbaliyan/secmsg/clock"
	"github.com/rbaliyan/secmsg/session"
)

// CryptoAgent encrypts message payloads under one session key.
// On Encode, the inner codec serializes the value, then the result is encrypted.
// On Decode, the data is decrypted, then the inner codec deserializes the plaintext.
//
// The key stays sealed in its enclave and is opened only for the duration of
// one cipher operation. CryptoAgent holds no other state and is safe for
// concurrent use if the inner codec is.
type CryptoAgent struct {
	inner codec.Codec
	key   session.Provider[*memguard.Enclave]
	keyID string
	clock clock.Clock
	name  string
}

// Compile-time interface check.
var _ codec.Codec = (*CryptoAgent)(nil)

// NewCryptoAgent creates a crypto agent bound to the key served by provider.
// keyID names the key inside every ciphertext; ciphertexts carrying another
// ID are rejected. A nil clock uses the wall clock.
func NewCryptoAgent(inner codec.Codec, provider session.Provider[*memguard.Enclave], keyID string, clk clock.Clock) (*CryptoAgent, error) {
	if inner == nil {
		return nil, fmt.Errorf("secmsg: NewCryptoAgent inner codec is nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("secmsg: NewCryptoAgent provider is nil")
	}
	if keyID == "" || len(keyID) > maxKeyIDLen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeyID, keyID)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &CryptoAgent{
		inner: inner,
		key:   provider,
		keyID: keyID,
		clock: clk,
		name:  "encrypted:" + inner.Name(),
	}, nil
}

// Name returns the codec name, e.g. "encrypted:json".
func (a *CryptoAgent) Name() string {
	return a.name
}

// KeyID returns the key ID written into every ciphertext.
func (a *CryptoAgent) KeyID() string {
	return a.keyID
}

// Encode serializes v using the inner codec, then encrypts the result.
func (a *CryptoAgent) Encode(v any) ([]byte, error) {
	plaintext, err := a.inner.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	var out []byte
	err = a.withKey(func(k Key) error {
		var err error
		out, err = encrypt(plaintext, k, a.clock.Now())
		return err
	})
	return out, err
}

// Decode decrypts data, then deserializes the plaintext into v.
func (a *CryptoAgent) Decode(data []byte, v any) error {
	_, err := a.open(data, v)
	return err
}

// Encrypt serializes and encrypts m, returning base64 ciphertext.
// It fails only on serialization errors or a missing session key.
func (a *CryptoAgent) Encrypt(ctx context.Context, m MessageData) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := a.Encode(m)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decrypt reverses Encrypt. Every failure wraps ErrDecryptionFailed.
func (a *CryptoAgent) Decrypt(ctx context.Context, ciphertext string) (MessageData, error) {
	m, _, err := a.Open(ctx, ciphertext)
	return m, err
}

// Open is Decrypt that also returns the authenticated issue time.
func (a *CryptoAgent) Open(ctx context.Context, ciphertext string) (MessageData, time.Time, error) {
	var m MessageData
	if err := ctx.Err(); err != nil {
		return m, time.Time{}, err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return m, time.Time{}, fmt.Errorf("%w: %w: base64: %v", ErrDecryptionFailed, ErrInvalidFormat, err)
	}

	issuedAt, err := a.open(data, &m)
	if err != nil {
		if !errors.Is(err, ErrDecryptionFailed) {
			err = fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		return MessageData{}, time.Time{}, err
	}
	return m, issuedAt, nil
}

func (a *CryptoAgent) open(data []byte, v any) (time.Time, error) {
	var (
		plaintext []byte
		issuedAt  time.Time
	)
	err := a.withKey(func(k Key) error {
		var err error
		plaintext, issuedAt, err = decrypt(data, k)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}

	if err := a.inner.Decode(plaintext, v); err != nil {
		return time.Time{}, fmt.Errorf("%w: inner decode failed: %v", ErrDecryptionFailed, err)
	}
	return issuedAt, nil
}

// withKey opens the sealed session key for the duration of fn.
func (a *CryptoAgent) withKey(fn func(Key) error) error {
	enc, ok := a.key.Value()
	if !ok || enc == nil {
		return fmt.Errorf("%w: session key %q not generated", ErrKeyNotFound, a.keyID)
	}
	buf, err := enc.Open()
	if err != nil {
		return fmt.Errorf("secmsg: failed to open session key: %w", err)
	}
	defer buf.Destroy()
	return fn(Key{ID: a.keyID, Bytes: buf.Bytes()})
}
