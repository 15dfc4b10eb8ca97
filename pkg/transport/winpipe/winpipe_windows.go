//go:build windows

package winpipe

import (
	"context"
	"errors"
	"net"

	"github.com/Microsoft/go-winio"

	"reqmux/pkg/transport"
)

// Transport carries length-prefixed frames over Windows named pipes.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

func (t *Transport) Listen(ctx context.Context, pipeName string) (transport.Listener, error) {
	l, err := winio.ListenPipe(pipeName, nil)
	if err != nil {
		return nil, err
	}
	wl := &listener{l: l, newCh: make(chan transport.Conn, 8), closeCh: make(chan struct{})}
	go wl.acceptLoop()
	go func() { <-ctx.Done(); _ = wl.Close() }()
	return wl, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string) (transport.Conn, error) {
	c, err := winio.DialPipeContext(ctx, pipeName)
	if err != nil {
		return nil, err
	}
	return transport.NewFramedConn(c), nil
}

type listener struct {
	l       net.Listener
	newCh   chan transport.Conn
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("winpipe listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.l.Close()
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		fc := transport.NewFramedConn(c)
		select {
		case l.newCh <- fc:
		case <-l.closeCh:
			_ = fc.Close()
			return
		}
	}
}
