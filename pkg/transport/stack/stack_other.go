//go:build !windows

package stack

import (
	"errors"

	"reqmux/pkg/transport"
)

func newWinPipeTransport() (transport.Transport, error) {
	return nil, errors.New("winpipe transport is only available on windows")
}
