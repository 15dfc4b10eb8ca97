package protocol

// Frame types (fits in uint8).
const (
	TypeUnknown         uint8 = iota
	TypeSetup                 // connection handshake, stream 0 only
	TypeRequestResponse       // open stream: one request, one response
	TypeRequestFNF            // open stream: one request, no response
	TypeRequestStream         // open stream: one request, response sequence
	TypeRequestChannel        // open stream: request sequence, response sequence
	TypePayload               // data element or terminal marker on an open stream
	TypeRequestN              // credit grant
	TypeCancel                // requester abandons the stream
	TypeError                 // terminal error; payload is a UTF-8 message
	TypeComplete              // standalone completion marker
	TypeKeepalive             // connection liveness, stream 0 only
)

// Flags bitmask (uint8).
const (
	FlagMetadata uint8 = 1 << 0 // metadata section present
	FlagComplete uint8 = 1 << 1 // sequence terminates with this frame
	FlagNext     uint8 = 1 << 2 // frame carries a data element
)

// TypeName returns a short wire-type label for logs.
func TypeName(t uint8) string {
	switch t {
	case TypeSetup:
		return "SETUP"
	case TypeRequestResponse:
		return "REQUEST_RESPONSE"
	case TypeRequestFNF:
		return "REQUEST_FNF"
	case TypeRequestStream:
		return "REQUEST_STREAM"
	case TypeRequestChannel:
		return "REQUEST_CHANNEL"
	case TypePayload:
		return "PAYLOAD"
	case TypeRequestN:
		return "REQUEST_N"
	case TypeCancel:
		return "CANCEL"
	case TypeError:
		return "ERROR"
	case TypeComplete:
		return "COMPLETE"
	case TypeKeepalive:
		return "KEEPALIVE"
	default:
		return "UNKNOWN"
	}
}

// IsRequest reports whether t opens a new stream.
func IsRequest(t uint8) bool {
	switch t {
	case TypeRequestResponse, TypeRequestFNF, TypeRequestStream, TypeRequestChannel:
		return true
	}
	return false
}

// ContentType constants for the connection-level payload codec declared at setup.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
)
