package secmsg

import (
	"fmt"
	"time"
)

// Key is a named session key opened for a single cipher operation.
type Key struct {
	// ID identifies the validator generation, e.g. "ext-1/28391042".
	ID string

	// Bytes is the raw key material. Must be 32 bytes for AES-256.
	// It usually points into a memguard LockedBuffer and must not be
	// retained past the operation.
	Bytes []byte
}

func (k Key) validate() error {
	if k.ID == "" || len(k.ID) > maxKeyIDLen {
		return fmt.Errorf("%w: %q", ErrInvalidKeyID, k.ID)
	}
	if len(k.Bytes) != aesKeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(k.Bytes))
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
