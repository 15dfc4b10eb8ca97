package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Variable-length frame layout, transport-agnostic. The transport is expected
// to delimit frames (length prefix or datagram); this codec only describes the
// interior bytes.
//
//	streamID     uvarint  (0 reserved for connection-level control)
//	type         u8
//	flags        u8
//	metadataLen  uvarint, present iff FlagMetadata
//	metadata     metadataLen bytes
//	payload      remaining bytes
const maxSectionLen = 1 << 24 // guard against absurd sizes

var (
	ErrShortFrame = errors.New("short frame")
	ErrBadVarint  = errors.New("bad varint")
)

// Frame is the smallest protocol unit exchanged on a connection.
type Frame struct {
	StreamID uint64
	Type     uint8
	Flags    uint8
	Metadata []byte
	Payload  []byte
}

// HasFlag checks whether a flag is set.
func (f *Frame) HasFlag(flag uint8) bool { return (f.Flags & flag) != 0 }

// SetFlag sets/unsets a flag.
func (f *Frame) SetFlag(flag uint8, on bool) {
	if on {
		f.Flags |= flag
	} else {
		f.Flags &^= flag
	}
}

// Encode returns the frame as a single byte slice.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Metadata) > 0 {
		f.Flags |= FlagMetadata
	}
	if len(f.Metadata) > maxSectionLen || len(f.Payload) > maxSectionLen {
		return nil, fmt.Errorf("frame section too large: meta=%d payload=%d", len(f.Metadata), len(f.Payload))
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+2+binary.MaxVarintLen32+len(f.Metadata)+len(f.Payload))
	buf = binary.AppendUvarint(buf, f.StreamID)
	buf = append(buf, f.Type, f.Flags)
	if f.HasFlag(FlagMetadata) {
		buf = binary.AppendUvarint(buf, uint64(len(f.Metadata)))
		buf = append(buf, f.Metadata...)
	}
	buf = append(buf, f.Payload...)
	return buf, nil
}

// Decode parses a single frame from buf. Metadata and payload alias buf.
func (f *Frame) Decode(buf []byte) error {
	id, n := binary.Uvarint(buf)
	if n <= 0 {
		return ErrBadVarint
	}
	buf = buf[n:]
	if len(buf) < 2 {
		return ErrShortFrame
	}
	f.StreamID = id
	f.Type = buf[0]
	f.Flags = buf[1]
	buf = buf[2:]
	f.Metadata = nil
	if f.HasFlag(FlagMetadata) {
		ml, n := binary.Uvarint(buf)
		if n <= 0 {
			return ErrBadVarint
		}
		buf = buf[n:]
		if ml > maxSectionLen || uint64(len(buf)) < ml {
			return ErrShortFrame
		}
		f.Metadata = buf[:ml]
		buf = buf[ml:]
	}
	f.Payload = buf
	if len(buf) == 0 {
		f.Payload = nil
	}
	return nil
}

// Route returns the metadata section as a route string for request frames.
func (f *Frame) Route() string { return string(f.Metadata) }

// Demand-bearing payloads. REQUEST_STREAM and REQUEST_CHANNEL open with the
// initial demand before the request payload; REQUEST_N carries a bare count.

// EncodeDemand prefixes payload with a uvarint credit count.
func EncodeDemand(n uint32, payload []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen32+len(payload))
	buf = binary.AppendUvarint(buf, uint64(n))
	return append(buf, payload...)
}

// DecodeDemand splits a demand-bearing payload into count and remainder.
func DecodeDemand(payload []byte) (uint32, []byte, error) {
	v, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, nil, ErrBadVarint
	}
	if v > 1<<31 {
		return 0, nil, fmt.Errorf("demand out of range: %d", v)
	}
	rest := payload[n:]
	if len(rest) == 0 {
		rest = nil
	}
	return uint32(v), rest, nil
}

// Setup carries the handshake parameters exchanged on stream 0.
type Setup struct {
	Version     uint8
	KeepaliveMS uint64
	ContentType string
}

// EncodeSetup builds the SETUP frame for s.
func EncodeSetup(s Setup) *Frame {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(s.Version))
	buf = binary.AppendUvarint(buf, s.KeepaliveMS)
	return &Frame{StreamID: 0, Type: TypeSetup, Metadata: []byte(s.ContentType), Payload: buf}
}

// DecodeSetup parses handshake parameters from a SETUP frame.
func DecodeSetup(f *Frame) (Setup, error) {
	if f.Type != TypeSetup {
		return Setup{}, fmt.Errorf("not a SETUP frame: %s", TypeName(f.Type))
	}
	ver, n := binary.Uvarint(f.Payload)
	if n <= 0 || ver > 0xff {
		return Setup{}, ErrBadVarint
	}
	ka, m := binary.Uvarint(f.Payload[n:])
	if m <= 0 {
		return Setup{}, ErrBadVarint
	}
	return Setup{Version: uint8(ver), KeepaliveMS: ka, ContentType: string(f.Metadata)}, nil
}
