// Package stack constructs transports by configured kind.
package stack

import (
	"fmt"

	"reqmux/pkg/transport"
	"reqmux/pkg/transport/mem"
	"reqmux/pkg/transport/quic"
	"reqmux/pkg/transport/tcp"
)

// NewByKind constructs a Transport by string kind.
func NewByKind(kind string) (transport.Transport, error) {
	switch kind {
	case "tcp":
		return tcp.New(), nil
	case "quic":
		return quic.New()
	case "mem", "inproc":
		return mem.New(), nil
	case "winpipe", "pipe":
		return newWinPipeTransport()
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", kind)
	}
}
