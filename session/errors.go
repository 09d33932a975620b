package session

import "errors"

var (
	// ErrStorageUnavailable is returned when the session storage primitive is
	// missing or fails. Callers treat it as fatal for the context's messaging.
	ErrStorageUnavailable = errors.New("session: storage unavailable")

	// ErrInvalidName is returned when a storage slot name is empty.
	ErrInvalidName = errors.New("session: invalid slot name")

	// ErrInvalidValue is returned when a stored value has the wrong shape,
	// e.g. a key slot that does not hold KeySize bytes.
	ErrInvalidValue = errors.New("session: invalid stored value")
)

// IsStorageUnavailable returns true if the error is or wraps ErrStorageUnavailable.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsInvalidValue returns true if the error is or wraps ErrInvalidValue.
func IsInvalidValue(err error) bool {
	return errors.Is(err, ErrInvalidValue)
}
