package secmsg

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"github.com/rbaliyan/secmsg/session"
)

// SlotCipher seals session storage slots under a key-encryption key, so a
// storage shared with other parties only ever holds ciphertext.
//
// The slot name is the key ID of every sealed value: a value moved to
// another slot fails to open.
type SlotCipher struct {
	kek *memguard.Enclave
}

// NewSlotCipher returns a cipher over kek, which must hold 32 bytes.
func NewSlotCipher(kek *memguard.Enclave) (*SlotCipher, error) {
	if kek == nil {
		return nil, fmt.Errorf("%w: slot cipher needs a key-encryption key", ErrInvalidKeySize)
	}
	if kek.Size() != aesKeySize {
		return nil, fmt.Errorf("%w: key-encryption key has %d bytes", ErrInvalidKeySize, kek.Size())
	}
	return &SlotCipher{kek: kek}, nil
}

// Seal encrypts value for storage under slot.
func (c *SlotCipher) Seal(slot string, value []byte) ([]byte, error) {
	if slot == "" || len(slot) > maxKeyIDLen {
		return nil, fmt.Errorf("%w: %q", session.ErrInvalidName, slot)
	}
	var out []byte
	err := c.withKEK(slot, func(k Key) error {
		var err error
		out, err = encrypt(value, k, time.Now())
		return err
	})
	return out, err
}

// Open decrypts a value read from slot. Anything not sealed by this key
// for this slot fails with session.ErrInvalidValue.
func (c *SlotCipher) Open(slot string, data []byte) ([]byte, error) {
	if slot == "" || len(slot) > maxKeyIDLen {
		return nil, fmt.Errorf("%w: %q", session.ErrInvalidName, slot)
	}
	var out []byte
	err := c.withKEK(slot, func(k Key) error {
		var err error
		out, _, err = decrypt(data, k)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: slot %q: %w", session.ErrInvalidValue, slot, err)
	}
	return out, nil
}

func (c *SlotCipher) withKEK(slot string, fn func(Key) error) error {
	buf, err := c.kek.Open()
	if err != nil {
		return fmt.Errorf("secmsg: failed to open key-encryption key: %w", err)
	}
	defer buf.Destroy()
	return fn(Key{ID: slot, Bytes: buf.Bytes()})
}
