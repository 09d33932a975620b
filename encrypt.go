package secmsg

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

// encrypt encrypts plaintext using envelope encryption with the given KEK.
// A random DEK is generated per call, encrypted with the KEK, and prepended
// to the output. Key ID and issue time are authenticated with both layers.
func encrypt(plaintext []byte, kek Key, issuedAt time.Time) ([]byte, error) {
	if err := kek.validate(); err != nil {
		return nil, err
	}

	dek := make([]byte, aesKeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("secmsg: failed to generate DEK: %w", err)
	}
	defer clear(dek)

	h := &header{
		version:   formatVersion,
		algorithm: algAES256GCM,
		keyID:     kek.ID,
		issuedAt:  toMillis(issuedAt),
		dekNonce:  make([]byte, gcmNonceSize),
		dataNonce: make([]byte, gcmNonceSize),
	}
	aad := h.aad()

	kekGCM, err := newGCM(kek.Bytes)
	if err != nil {
		return nil, fmt.Errorf("secmsg: failed to create KEK cipher: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, h.dekNonce); err != nil {
		return nil, fmt.Errorf("secmsg: failed to generate DEK nonce: %w", err)
	}
	h.encryptedDEK = kekGCM.Seal(nil, h.dekNonce, dek, aad)

	dekGCM, err := newGCM(dek)
	if err != nil {
		return nil, fmt.Errorf("secmsg: failed to create DEK cipher: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, h.dataNonce); err != nil {
		return nil, fmt.Errorf("secmsg: failed to generate data nonce: %w", err)
	}
	ciphertext := dekGCM.Seal(nil, h.dataNonce, plaintext, aad)

	var buf bytes.Buffer
	buf.Grow(headerSize(kek.ID) + len(ciphertext))
	if err := writeHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("secmsg: failed to write header: %w", err)
	}
	buf.Write(ciphertext)

	return buf.Bytes(), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
