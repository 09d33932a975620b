package secmsg

import (
	"fmt"
	"time"
)

// decrypt reverses encrypt. The ciphertext must name kek.ID; any other key
// ID belongs to a different generation and fails with ErrKeyNotFound.
func decrypt(data []byte, kek Key) ([]byte, time.Time, error) {
	h, ciphertext, err := readHeader(data)
	if err != nil {
		return nil, time.Time{}, err
	}

	if err := kek.validate(); err != nil {
		return nil, time.Time{}, err
	}
	if h.keyID != kek.ID {
		return nil, time.Time{}, fmt.Errorf("%w: %q", ErrKeyNotFound, h.keyID)
	}

	aad := h.aad()

	kekGCM, err := newGCM(kek.Bytes)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	dek, err := kekGCM.Open(nil, h.dekNonce, h.encryptedDEK, aad)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: failed to decrypt DEK", ErrDecryptionFailed)
	}
	defer clear(dek)

	dekGCM, err := newGCM(dek)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := dekGCM.Open(nil, h.dataNonce, ciphertext, aad)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: failed to decrypt data", ErrDecryptionFailed)
	}

	return plaintext, fromMillis(h.issuedAt), nil
}
