package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestFramedConnRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewFramedConn(a), NewFramedConn(b)
	defer ca.Close()
	defer cb.Close()

	go func() { _ = ca.SendBytes([]byte("ping")) }()
	got, err := cb.RecvBytes()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("got %q", got)
	}
}

func TestFramedConnEmptyFrame(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewFramedConn(a), NewFramedConn(b)
	defer ca.Close()
	defer cb.Close()

	go func() { _ = ca.SendBytes(nil) }()
	got, err := cb.RecvBytes()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestFramedConnRejectsOversizeFrame(t *testing.T) {
	a, b := net.Pipe()
	ca := NewFramedConn(a)
	defer ca.Close()
	defer b.Close()

	err := ca.SendBytes(make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameSize) {
		t.Fatalf("got %v, want frame size error", err)
	}
}
