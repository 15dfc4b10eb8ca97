package session

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed reports an operation on a session that has been torn down.
	ErrClosed = errors.New("session closed")
	// ErrCancelled reports a stream terminated by a CANCEL.
	ErrCancelled = errors.New("stream cancelled")
)

// HandshakeError is fatal: the connection never opens.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return "handshake failed: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ConnectionError is a protocol violation at the multiplexing layer, or a
// transport failure. It is fatal for the connection; every open stream
// observes it as its terminal error.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Reason, e.Err)
	}
	return "connection error: " + e.Reason
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError carries the message text of a peer's ERROR frame. Its Error()
// is exactly the transmitted message, so application error text (including
// routing misses) surfaces verbatim to the requester.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
