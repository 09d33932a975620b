package secmsg

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
)

// Binary format constants.
const (
	// magic is the 2-byte ciphertext signature "SM" (Secure Message).
	magic = "SM"

	// formatVersion is the current binary format version.
	formatVersion = 0x01

	// algAES256GCM identifies AES-256-GCM as the encryption algorithm.
	algAES256GCM = 0x01

	// aesKeySize is the required key size in bytes (AES-256).
	aesKeySize = 32

	// gcmNonceSize is the nonce size for AES-GCM (12 bytes).
	gcmNonceSize = 12

	// gcmTagSize is the authentication tag size for GCM (16 bytes).
	gcmTagSize = 16

	// encryptedDEKSize is the size of an encrypted DEK: 32-byte key + 16-byte GCM tag.
	encryptedDEKSize = aesKeySize + gcmTagSize

	// issuedAtSize is the size of the issue timestamp (unix millis, big endian).
	issuedAtSize = 8

	// maxKeyIDLen is the largest key ID the one-byte length field can carry.
	maxKeyIDLen = 255

	// minHeaderSize is the minimum header size: magic(2) + version(1) + alg(1) + keyIDLen(1).
	minHeaderSize = 5
)

// header represents the parsed header of a message ciphertext.
type header struct {
	version      byte
	algorithm    byte
	keyID        string
	issuedAt     int64  // unix millis
	dekNonce     []byte // 12 bytes
	encryptedDEK []byte // 48 bytes (32B DEK + 16B GCM tag)
	dataNonce    []byte // 12 bytes
}

// aad returns the additional authenticated data binding key identity and
// issue time to both GCM operations.
func (h *header) aad() []byte {
	b := make([]byte, 0, len(h.keyID)+issuedAtSize)
	b = append(b, h.keyID...)
	return binary.BigEndian.AppendUint64(b, uint64(h.issuedAt))
}

// headerSize returns the total header size in bytes for the given key ID.
func headerSize(keyID string) int {
	return minHeaderSize + len(keyID) + issuedAtSize + gcmNonceSize + encryptedDEKSize + gcmNonceSize
}

// writeHeader writes the binary header to w.
func writeHeader(w io.Writer, h *header) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return err
	}

	// Version + Algorithm + Key ID length
	keyIDBytes := []byte(h.keyID)
	if len(keyIDBytes) > maxKeyIDLen {
		return fmt.Errorf("%w: key ID too long", ErrInvalidFormat)
	}
	meta := []byte{h.version, h.algorithm, byte(len(keyIDBytes))}
	if _, err := w.Write(meta); err != nil {
		return err
	}

	if _, err := w.Write(keyIDBytes); err != nil {
		return err
	}

	var ts [issuedAtSize]byte
	binary.BigEndian.PutUint64(ts[:], uint64(h.issuedAt))
	if _, err := w.Write(ts[:]); err != nil {
		return err
	}

	if _, err := w.Write(h.dekNonce); err != nil {
		return err
	}
	if _, err := w.Write(h.encryptedDEK); err != nil {
		return err
	}
	if _, err := w.Write(h.dataNonce); err != nil {
		return err
	}

	return nil
}

// readHeader parses the binary header from data, returning the header and remaining ciphertext.
// All byte slices in the returned header are copies, safe from caller mutation.
func readHeader(data []byte) (*header, []byte, error) {
	if len(data) < minHeaderSize {
		return nil, nil, fmt.Errorf("%w: data too short", ErrInvalidFormat)
	}

	if string(data[0:2]) != magic {
		return nil, nil, fmt.Errorf("%w: invalid magic bytes", ErrInvalidFormat)
	}

	h := &header{
		version:   data[2],
		algorithm: data[3],
	}

	if h.version != formatVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, h.version)
	}
	if h.algorithm != algAES256GCM {
		return nil, nil, fmt.Errorf("%w: unsupported algorithm %d", ErrInvalidFormat, h.algorithm)
	}

	keyIDLen := int(data[4])
	offset := minHeaderSize

	needed := keyIDLen + issuedAtSize + gcmNonceSize + encryptedDEKSize + gcmNonceSize
	if len(data) < offset+needed {
		return nil, nil, fmt.Errorf("%w: data too short for header", ErrInvalidFormat)
	}

	h.keyID = string(data[offset : offset+keyIDLen])
	offset += keyIDLen

	h.issuedAt = int64(binary.BigEndian.Uint64(data[offset : offset+issuedAtSize]))
	offset += issuedAtSize

	h.dekNonce = append([]byte(nil), data[offset:offset+gcmNonceSize]...)
	offset += gcmNonceSize

	h.encryptedDEK = append([]byte(nil), data[offset:offset+encryptedDEKSize]...)
	offset += encryptedDEKSize

	h.dataNonce = append([]byte(nil), data[offset:offset+gcmNonceSize]...)
	offset += gcmNonceSize

	return h, data[offset:], nil
}

// peekPrefix is how many base64 characters peekGeneration decodes: 27
// bytes, enough for the fixed fields and a decimal int64 key ID.
const peekPrefix = 36

// peekGeneration reads the generation number from the key ID of a base64
// ciphertext without decoding the rest of it. Nothing it returns is
// authenticated.
func peekGeneration(ciphertext string) (int64, bool) {
	if len(ciphertext) < peekPrefix {
		return 0, false
	}
	b, err := base64.StdEncoding.DecodeString(ciphertext[:peekPrefix])
	if err != nil || string(b[:2]) != magic || b[2] != formatVersion || b[3] != algAES256GCM {
		return 0, false
	}
	n := int(b[4])
	if n == 0 || minHeaderSize+n > len(b) {
		return 0, false
	}
	gen, err := strconv.ParseInt(string(b[minHeaderSize:minHeaderSize+n]), 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}
