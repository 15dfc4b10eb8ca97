// Package transport abstracts the ordered reliable byte links a connection
// engine runs over. A Conn carries whole frames as opaque byte slices; the
// engine never sees partial reads or transport-level framing.
package transport

import (
	"context"
	"net"
)

// Kind identifies the link type.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindMem
	KindWinPipe
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	case KindWinPipe:
		return "winpipe"
	default:
		return "unknown"
	}
}

// Conn is a bidirectional frame-delimited byte link. Exactly one reader and
// one writer goroutine are expected; SendBytes is internally serialized.
type Conn interface {
	// SendBytes writes one frame as opaque bytes.
	SendBytes([]byte) error
	// RecvBytes blocks for the next frame and returns its bytes.
	RecvBytes() ([]byte, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts inbound conns.
type Listener interface {
	// Accept blocks until an inbound conn is available or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound conns on address (transport-specific format).
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound conn to address.
	Dial(ctx context.Context, address string) (Conn, error)
}
