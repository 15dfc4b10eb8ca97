package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
)

// MaxFrameSize bounds a single frame on any stream transport.
const MaxFrameSize = 1 << 24

// ErrFrameSize reports a frame exceeding MaxFrameSize, sent or received.
var ErrFrameSize = errors.New("invalid frame size")

// framedConn delimits frames on a net.Conn with a u32 LE length prefix.
// Shared by the tcp, mem and winpipe transports.
type framedConn struct {
	mu sync.Mutex
	c  net.Conn
	br *bufio.Reader
	bw *bufio.Writer
}

// NewFramedConn wraps c with length-prefixed framing.
func NewFramedConn(c net.Conn) Conn {
	return &framedConn{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (f *framedConn) LocalAddr() net.Addr  { return f.c.LocalAddr() }
func (f *framedConn) RemoteAddr() net.Addr { return f.c.RemoteAddr() }
func (f *framedConn) Close() error         { return f.c.Close() }

func (f *framedConn) SendBytes(b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrFrameSize
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := f.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := f.bw.Write(b); err != nil {
		return err
	}
	return f.bw.Flush()
}

func (f *framedConn) RecvBytes() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(f.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n > MaxFrameSize {
		return nil, ErrFrameSize
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
