package protocol

import (
	"bytes"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	f := Frame{
		StreamID: 7,
		Type:     TypeRequestStream,
		Flags:    FlagNext,
		Metadata: []byte("stream"),
		Payload:  []byte("hello"),
	}
	buf, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var d Frame
	if err := d.Decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.StreamID != f.StreamID || d.Type != f.Type {
		t.Fatalf("header mismatch: %+v", d)
	}
	if !d.HasFlag(FlagMetadata) || !d.HasFlag(FlagNext) {
		t.Fatalf("flags mismatch: %08b", d.Flags)
	}
	if d.Route() != "stream" {
		t.Fatalf("route mismatch: %q", d.Route())
	}
	if !bytes.Equal(d.Payload, f.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameNoMetadataNoPayload(t *testing.T) {
	f := Frame{StreamID: 0, Type: TypeKeepalive}
	buf, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var d Frame
	if err := d.Decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Metadata != nil || d.Payload != nil {
		t.Fatalf("expected empty sections, got %+v", d)
	}
}

func TestFrameLargeStreamID(t *testing.T) {
	f := Frame{StreamID: 1<<40 + 3, Type: TypePayload, Flags: FlagNext, Payload: []byte{0xAB}}
	buf, _ := f.Encode()
	var d Frame
	if err := d.Decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.StreamID != f.StreamID {
		t.Fatalf("stream id mismatch: %d", d.StreamID)
	}
}

func TestFrameDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x01},                        // id only
		{0x01, byte(TypePayload)},     // missing flags
		{0x01, byte(TypePayload), FlagMetadata}, // metadata flag without length
		{0x01, byte(TypePayload), FlagMetadata, 0x05, 'a'}, // truncated metadata
	}
	for i, c := range cases {
		var d Frame
		if err := d.Decode(c); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestDemandRoundTrip(t *testing.T) {
	buf := EncodeDemand(16, []byte("payload"))
	n, rest, err := DecodeDemand(buf)
	if err != nil {
		t.Fatalf("decode demand: %v", err)
	}
	if n != 16 || string(rest) != "payload" {
		t.Fatalf("got n=%d rest=%q", n, rest)
	}

	n, rest, err = DecodeDemand(EncodeDemand(1, nil))
	if err != nil || n != 1 || rest != nil {
		t.Fatalf("bare demand: n=%d rest=%v err=%v", n, rest, err)
	}

	if _, _, err := DecodeDemand(nil); err == nil {
		t.Fatalf("expected error on empty demand payload")
	}
}

func TestSetupRoundTrip(t *testing.T) {
	s := Setup{Version: 1, KeepaliveMS: 20000, ContentType: ContentCBOR}
	f := EncodeSetup(s)
	buf, _ := f.Encode()
	var d Frame
	if err := d.Decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := DecodeSetup(&d)
	if err != nil {
		t.Fatalf("decode setup: %v", err)
	}
	if got != s {
		t.Fatalf("setup mismatch: %+v != %+v", got, s)
	}

	bad := Frame{Type: TypePayload}
	if _, err := DecodeSetup(&bad); err == nil {
		t.Fatalf("expected error for non-setup frame")
	}
}
