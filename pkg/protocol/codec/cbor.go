package codec

import (
	cbor "github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec (RFC 8949) with the core profile.
// The canonical options never fail to build, so construction panics on them
// instead of returning an error.
func CBOR() Codec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: em, dec: dm}
}

func (c cborCodec) ContentType() string              { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)    { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(d []byte, v any) error { return c.dec.Unmarshal(d, v) }
