//go:build windows

package stack

import (
	"reqmux/pkg/transport"
	"reqmux/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) {
	return winpipe.New(), nil
}
