// Package natskv implements session.Storage on a NATS JetStream key-value
// bucket, so contexts running in different processes share session
// secrets. The bucket uses memory storage: a server restart ends the
// session, and nothing reaches disk.
//
// Every slot is sealed under a key-encryption key before it is written.
// Other clients of the NATS server can read the bucket but only see
// ciphertext, and values they write fail to open.
package natskv

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/session"
)

// DefaultBucket is the bucket name used when none is configured.
const DefaultBucket = "secmsg-session"

// maxCreateAttempts bounds the create/get retry when a slot is deleted
// between the two calls.
const maxCreateAttempts = 3

// Config describes the session bucket.
type Config struct {
	// Bucket is the key-value bucket name.
	Bucket string `yaml:"bucket"`

	// TTL expires slots that outlive their generation, e.g. when the
	// context that would have evicted them crashed. Zero keeps slots until
	// deleted.
	TTL time.Duration `yaml:"ttl"`

	// KEKFile holds the base64 key-encryption key shared by every context
	// of one runtime.
	KEKFile string `yaml:"kek_file"`
}

// Storage is a session.Storage backed by a JetStream key-value bucket.
type Storage struct {
	kv     jetstream.KeyValue
	cipher *secmsg.SlotCipher
}

// New opens the session bucket on nc, creating it if needed. Slots are
// sealed under kek, which must hold 32 bytes.
func New(ctx context.Context, nc *nats.Conn, cfg Config, kek *memguard.Enclave) (*Storage, error) {
	if nc == nil {
		return nil, fmt.Errorf("%w: nil NATS connection", session.ErrStorageUnavailable)
	}
	cipher, err := secmsg.NewSlotCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrStorageUnavailable, err)
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%w: jetstream: %v", session.ErrStorageUnavailable, err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "secmsg session secrets",
		TTL:         cfg.TTL,
		Storage:     jetstream.MemoryStorage,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bucket %q: %v", session.ErrStorageUnavailable, cfg.Bucket, err)
	}

	return &Storage{kv: kv, cipher: cipher}, nil
}

// ReadKEK loads a base64 key-encryption key from path. The file must not
// be readable by group or others.
func ReadKEK(path string) (*memguard.Enclave, error) {
	if path == "" {
		return nil, errors.New("natskv: no key-encryption key file")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("natskv: %w", err)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("natskv: key file %s has mode %v, want 0600", path, fi.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("natskv: %w", err)
	}
	defer memguard.WipeBytes(data)

	text := bytes.TrimSpace(data)
	key := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(key, text)
	if err != nil {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("natskv: key file %s: %w", path, err)
	}
	if n != 32 {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("natskv: key file %s holds %d bytes, want 32", path, n)
	}
	return memguard.NewEnclave(key[:n]), nil
}

// LoadOrStore implements session.Storage. Create is atomic on the server,
// so concurrent contexts racing on one slot all see the first value.
func (s *Storage) LoadOrStore(ctx context.Context, name string, value []byte) ([]byte, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("%w: slot name must not be empty", session.ErrInvalidName)
	}
	if len(value) == 0 {
		return nil, false, fmt.Errorf("%w: slot %q has no data", session.ErrInvalidValue, name)
	}

	sealed, err := s.cipher.Seal(name, value)
	if err != nil {
		return nil, false, err
	}

	for range maxCreateAttempts {
		_, err := s.kv.Create(ctx, name, sealed)
		switch {
		case err == nil:
			return append([]byte(nil), value...), false, nil
		case errors.Is(err, jetstream.ErrInvalidKey):
			return nil, false, fmt.Errorf("%w: %q", session.ErrInvalidName, name)
		case !errors.Is(err, jetstream.ErrKeyExists):
			return nil, false, fmt.Errorf("%w: create %q: %v", session.ErrStorageUnavailable, name, err)
		}

		entry, err := s.kv.Get(ctx, name)
		switch {
		case err == nil:
			actual, err := s.cipher.Open(name, entry.Value())
			if err != nil {
				return nil, false, err
			}
			return actual, true, nil
		case errors.Is(err, jetstream.ErrKeyNotFound):
			// Deleted between Create and Get; try again.
		default:
			return nil, false, fmt.Errorf("%w: get %q: %v", session.ErrStorageUnavailable, name, err)
		}
	}
	return nil, false, fmt.Errorf("%w: slot %q keeps changing", session.ErrStorageUnavailable, name)
}

// Delete implements session.Storage.
func (s *Storage) Delete(ctx context.Context, name string) error {
	err := s.kv.Purge(ctx, name)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("%w: purge %q: %v", session.ErrStorageUnavailable, name, err)
	}
	return nil
}

// Compile-time interface check.
var _ session.Storage = (*Storage)(nil)
