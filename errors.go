package secmsg

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/secmsg/session"
)

var (
	// ErrKeyNotFound is returned when a ciphertext names a key ID the agent
	// does not hold, or the agent's session key was never generated.
	ErrKeyNotFound = errors.New("secmsg: key not found")

	// ErrInvalidKeySize is returned when a key is not 32 bytes (AES-256).
	ErrInvalidKeySize = errors.New("secmsg: invalid key size, must be 32 bytes")

	// ErrInvalidKeyID is returned when a key ID is empty or too long.
	ErrInvalidKeyID = errors.New("secmsg: invalid key ID")

	// ErrInvalidFormat is returned when a ciphertext has an invalid format.
	ErrInvalidFormat = errors.New("secmsg: invalid ciphertext format")

	// ErrDecryptionFailed is returned when a ciphertext cannot be turned back
	// into a message: wrong key, tampered or truncated data, malformed
	// payload. Expected under rotation and forged traffic.
	ErrDecryptionFailed = errors.New("secmsg: decryption failed")

	// ErrTokenMismatch is returned when an envelope carries another
	// generation's token. It is a routing hint, not an authentication result.
	ErrTokenMismatch = errors.New("secmsg: token mismatch")

	// ErrAuthenticationMismatch is returned when a decrypted message names a
	// foreign runtime ID or arrives from an origin that is not allowed.
	ErrAuthenticationMismatch = errors.New("secmsg: authentication mismatch")

	// ErrStaleMessage is returned when a message was issued outside the
	// configured maximum message age.
	ErrStaleMessage = errors.New("secmsg: stale message")

	// ErrSerialization is returned when a payload cannot be serialized.
	// It indicates a programming error and is never retried.
	ErrSerialization = errors.New("secmsg: serialization failed")

	// ErrStorageUnavailable is returned when session storage is missing or
	// fails. Messaging cannot work in that context.
	ErrStorageUnavailable = session.ErrStorageUnavailable

	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("secmsg: invalid config")

	// ErrNoValidator is returned when the validator pool is empty.
	ErrNoValidator = errors.New("secmsg: no validator available")
)

// AlertError is a named failure that must be shown to the user because the
// context cannot do its job without it, e.g. StorageUnavailable or
// DatabaseOpen.
type AlertError struct {
	Name string
	Err  error
}

// Alert wraps err as a named, user-alertable error. A nil err yields nil.
func Alert(name string, err error) error {
	if err == nil {
		return nil
	}
	return &AlertError{Name: name, Err: err}
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *AlertError) Unwrap() error {
	return e.Err
}

// AsAlert reports whether err is or wraps an AlertError and returns it.
func AsAlert(err error) (*AlertError, bool) {
	var ae *AlertError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsKeyNotFound returns true if the error is or wraps ErrKeyNotFound.
func IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// IsInvalidKeySize returns true if the error is or wraps ErrInvalidKeySize.
func IsInvalidKeySize(err error) bool {
	return errors.Is(err, ErrInvalidKeySize)
}

// IsInvalidKeyID returns true if the error is or wraps ErrInvalidKeyID.
func IsInvalidKeyID(err error) bool {
	return errors.Is(err, ErrInvalidKeyID)
}

// IsInvalidFormat returns true if the error is or wraps ErrInvalidFormat.
func IsInvalidFormat(err error) bool {
	return errors.Is(err, ErrInvalidFormat)
}

// IsDecryptionFailed returns true if the error is or wraps ErrDecryptionFailed.
func IsDecryptionFailed(err error) bool {
	return errors.Is(err, ErrDecryptionFailed)
}

// IsTokenMismatch returns true if the error is or wraps ErrTokenMismatch.
func IsTokenMismatch(err error) bool {
	return errors.Is(err, ErrTokenMismatch)
}

// IsAuthenticationMismatch returns true if the error is or wraps ErrAuthenticationMismatch.
func IsAuthenticationMismatch(err error) bool {
	return errors.Is(err, ErrAuthenticationMismatch)
}

// IsStaleMessage returns true if the error is or wraps ErrStaleMessage.
func IsStaleMessage(err error) bool {
	return errors.Is(err, ErrStaleMessage)
}

// IsSerialization returns true if the error is or wraps ErrSerialization.
func IsSerialization(err error) bool {
	return errors.Is(err, ErrSerialization)
}

// IsStorageUnavailable returns true if the error is or wraps ErrStorageUnavailable.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsInvalidConfig returns true if the error is or wraps ErrInvalidConfig.
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
