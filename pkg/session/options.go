package session

import (
	"time"

	"go.uber.org/zap"

	"reqmux/pkg/protocol"
	"reqmux/pkg/route"
)

// Version is the protocol version this engine speaks. Peers must match.
const Version uint8 = 1

// Options configures one session. The zero value is usable; unset fields take
// the defaults below.
type Options struct {
	// Keepalive is the interval between outgoing KEEPALIVE frames.
	Keepalive time.Duration
	// KeepaliveTimeout tears the connection down when no frame at all arrives
	// within it. Zero derives 3x the larger of the two declared intervals.
	KeepaliveTimeout time.Duration
	// HandshakeTimeout bounds the SETUP exchange.
	HandshakeTimeout time.Duration
	// InitialDemand is the credit granted for inbound sequences this side
	// consumes without an explicit figure (responder channel input, requester
	// helpers passing 0).
	InitialDemand uint32
	// ContentType is the payload encoding declared at setup.
	ContentType string
	// Routes dispatches inbound requests. nil makes this a pure requester:
	// every inbound request fails with a routing miss.
	Routes *route.Registry
	// Log defaults to the process-global zap logger.
	Log *zap.Logger
}

const (
	defaultKeepalive        = 20 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultInitialDemand    = 8
)

func (o Options) withDefaults() Options {
	if o.Keepalive <= 0 {
		o.Keepalive = defaultKeepalive
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.InitialDemand == 0 {
		o.InitialDemand = defaultInitialDemand
	}
	if o.ContentType == "" {
		o.ContentType = protocol.ContentCBOR
	}
	if o.Log == nil {
		o.Log = zap.L()
	}
	return o
}
