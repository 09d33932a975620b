package secmsg

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/rbaliyan/config/codec"
)

// cborCodec serializes payloads with CBOR Core Deterministic Encoding.
// Struct fields without a cbor tag fall back to their json tag, so
// MessageData encodes with the same field names under both codecs.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborDefault = mustCBOR()

func mustCBOR() *cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("secmsg: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("secmsg: CBOR decoder initialization failed: " + err.Error())
	}
	return &cborCodec{enc: enc, dec: dec}
}

// CBOR returns a payload codec producing compact deterministic CBOR.
// Pass it to WithCodec when every context of the extension agrees on it.
func CBOR() codec.Codec {
	return cborDefault
}

func (c *cborCodec) Name() string { return "cbor" }

func (c *cborCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *cborCodec) Decode(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

var _ codec.Codec = (*cborCodec)(nil)
