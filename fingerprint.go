package secmsg

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// fingerprintKey domain-separates token fingerprints from any other BLAKE3
// use. Exactly 32 bytes.
var fingerprintKey = [32]byte([]byte("secmsg.token-fingerprint.v1\x00\x00\x00\x00\x00"))

// fingerprint returns a short, non-reversible tag for a token so logs can
// correlate drops with a generation without exposing the token itself.
func fingerprint(token string) string {
	if token == "" {
		return ""
	}
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("secmsg: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(token))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
