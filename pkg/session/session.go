// Package session implements the connection engine: one transport conn
// multiplexing independent logical streams with routed dispatch, credit-based
// flow control and keepalive liveness.
//
// The engine is single-writer: the stream table and the transport write path
// are touched only by the loop goroutine. Handlers and requester calls post
// actions into the loop instead of sharing state.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"reqmux/pkg/protocol"
	"reqmux/pkg/transport"
)

// Session is one end of an open connection.
type Session struct {
	tr   transport.Conn
	opts Options
	log  *zap.Logger

	peer        protocol.Setup
	contentType string
	liveness    time.Duration

	actions chan func()
	inbound chan *protocol.Frame

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	closed   chan struct{}
	closeErr error

	// loop-owned; no locking
	streams map[uint64]*stream
	nextID  uint64
}

// Dial opens the client side of a connection: it sends SETUP, awaits the
// server's SETUP, then starts the engine. Stream ids allocated here are odd.
func Dial(ctx context.Context, tc transport.Conn, opts Options) (*Session, error) {
	s := newSession(tc, opts.withDefaults(), 1)
	own := protocol.Setup{
		Version:     Version,
		KeepaliveMS: uint64(s.opts.Keepalive / time.Millisecond),
		ContentType: s.opts.ContentType,
	}
	if err := s.writeFrame(protocol.EncodeSetup(own)); err != nil {
		_ = tc.Close()
		return nil, &HandshakeError{Reason: "send setup", Err: err}
	}
	f, err := s.readFrameTimeout(ctx, s.opts.HandshakeTimeout)
	if err != nil {
		_ = tc.Close()
		return nil, &HandshakeError{Reason: "await setup", Err: err}
	}
	if f.Type == protocol.TypeError {
		_ = tc.Close()
		return nil, &HandshakeError{Reason: string(f.Payload)}
	}
	peer, err := protocol.DecodeSetup(f)
	if err != nil {
		_ = tc.Close()
		return nil, &HandshakeError{Reason: "bad setup frame", Err: err}
	}
	if peer.Version != Version {
		_ = s.writeFrame(&protocol.Frame{Type: protocol.TypeError,
			Payload: []byte(fmt.Sprintf("unsupported protocol version %d", peer.Version))})
		_ = tc.Close()
		return nil, &HandshakeError{Reason: fmt.Sprintf("protocol version mismatch: %d != %d", peer.Version, Version)}
	}
	if peer.ContentType != s.opts.ContentType {
		_ = tc.Close()
		return nil, &HandshakeError{Reason: fmt.Sprintf("content type not accepted: %q", s.opts.ContentType)}
	}
	s.finishSetup(peer)
	return s, nil
}

// Accept opens the server side: it awaits the client's SETUP, validates it,
// echoes its own SETUP and starts the engine. Stream ids allocated here are even.
func Accept(ctx context.Context, tc transport.Conn, opts Options) (*Session, error) {
	s := newSession(tc, opts.withDefaults(), 2)
	f, err := s.readFrameTimeout(ctx, s.opts.HandshakeTimeout)
	if err != nil {
		_ = tc.Close()
		return nil, &HandshakeError{Reason: "await setup", Err: err}
	}
	peer, err := protocol.DecodeSetup(f)
	if err != nil {
		_ = tc.Close()
		return nil, &HandshakeError{Reason: "bad setup frame", Err: err}
	}
	if peer.Version != Version {
		_ = s.writeFrame(&protocol.Frame{Type: protocol.TypeError,
			Payload: []byte(fmt.Sprintf("unsupported protocol version %d", peer.Version))})
		_ = tc.Close()
		return nil, &HandshakeError{Reason: fmt.Sprintf("protocol version mismatch: %d != %d", peer.Version, Version)}
	}
	own := protocol.Setup{
		Version:     Version,
		KeepaliveMS: uint64(s.opts.Keepalive / time.Millisecond),
		ContentType: peer.ContentType, // server adopts the requester's declared codec
	}
	if err := s.writeFrame(protocol.EncodeSetup(own)); err != nil {
		_ = tc.Close()
		return nil, &HandshakeError{Reason: "send setup", Err: err}
	}
	s.finishSetup(peer)
	return s, nil
}

func newSession(tc transport.Conn, opts Options, firstID uint64) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		tr:         tc,
		opts:       opts,
		log:        opts.Log,
		actions:    make(chan func(), 64),
		inbound:    make(chan *protocol.Frame, 64),
		baseCtx:    ctx,
		cancelBase: cancel,
		closed:     make(chan struct{}),
		streams:    make(map[uint64]*stream),
		nextID:     firstID,
	}
}

func (s *Session) finishSetup(peer protocol.Setup) {
	s.peer = peer
	s.contentType = peer.ContentType
	s.liveness = s.opts.KeepaliveTimeout
	if s.liveness <= 0 {
		iv := s.opts.Keepalive
		if p := time.Duration(peer.KeepaliveMS) * time.Millisecond; p > iv {
			iv = p
		}
		s.liveness = 3 * iv
	}
	go s.readLoop()
	go s.loop()
	s.log.Debug("session open",
		zap.String("content_type", s.contentType),
		zap.Duration("keepalive", s.opts.Keepalive),
		zap.Duration("liveness", s.liveness))
}

// ContentType returns the payload encoding negotiated for this connection.
func (s *Session) ContentType() string { return s.contentType }

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the teardown cause, or nil before teardown and after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Close sends a connection-level CANCEL, cancels all open streams and
// releases the transport. The CANCEL is written from the caller goroutine
// (SendBytes serializes frame writes) so a concurrent teardown cannot
// swallow the clean-close signal.
func (s *Session) Close() error {
	select {
	case <-s.closed:
	default:
		_ = s.writeFrame(&protocol.Frame{Type: protocol.TypeCancel})
	}
	s.do(func() { s.teardown(nil) })
	<-s.closed
	return nil
}

// ---- engine internals ----

// do posts fn onto the loop. Returns false if the session is already closed.
func (s *Session) do(fn func()) bool {
	select {
	case s.actions <- fn:
		return true
	case <-s.closed:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(fn func() error) error {
	done := make(chan error, 1)
	if !s.do(func() { done <- fn() }) {
		return s.closeError()
	}
	select {
	case err := <-done:
		return err
	case <-s.closed:
		return s.closeError()
	}
}

func (s *Session) closeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrClosed
}

func (s *Session) readLoop() {
	for {
		b, err := s.tr.RecvBytes()
		if err != nil {
			s.do(func() { s.teardown(&ConnectionError{Reason: "transport closed", Err: err}) })
			return
		}
		f := new(protocol.Frame)
		if err := f.Decode(b); err != nil {
			s.do(func() { s.teardown(&ConnectionError{Reason: "malformed frame", Err: err}) })
			return
		}
		select {
		case s.inbound <- f:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) loop() {
	ka := time.NewTicker(s.opts.Keepalive)
	defer ka.Stop()
	live := time.NewTimer(s.liveness)
	defer live.Stop()

	for {
		select {
		case f := <-s.inbound:
			if !live.Stop() {
				select {
				case <-live.C:
				default:
				}
			}
			live.Reset(s.liveness)
			s.handleFrame(f)
		case fn := <-s.actions:
			fn()
		case <-ka.C:
			_ = s.sendFrame(&protocol.Frame{Type: protocol.TypeKeepalive})
		case <-live.C:
			s.teardown(&ConnectionError{Reason: "keepalive timeout"})
		case <-s.closed:
			return
		}
		select {
		case <-s.closed:
			return
		default:
		}
	}
}

// writeFrame encodes and writes without teardown-on-failure. Handshake path.
func (s *Session) writeFrame(f *protocol.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	return s.tr.SendBytes(b)
}

// sendFrame writes on the loop; a transport failure tears the session down.
func (s *Session) sendFrame(f *protocol.Frame) error {
	if err := s.writeFrame(f); err != nil {
		s.teardown(&ConnectionError{Reason: "transport write", Err: err})
		return err
	}
	return nil
}

func (s *Session) sendError(id uint64, msg string) {
	_ = s.sendFrame(&protocol.Frame{StreamID: id, Type: protocol.TypeError, Payload: []byte(msg)})
}

func (s *Session) readFrameTimeout(ctx context.Context, d time.Duration) (*protocol.Frame, error) {
	type result struct {
		f   *protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := s.tr.RecvBytes()
		if err != nil {
			ch <- result{nil, err}
			return
		}
		f := new(protocol.Frame)
		if err := f.Decode(b); err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{f, nil}
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-t.C:
		_ = s.tr.Close()
		return nil, fmt.Errorf("timeout after %v", d)
	case <-ctx.Done():
		_ = s.tr.Close()
		return nil, ctx.Err()
	}
}

func (s *Session) allocID() uint64 {
	id := s.nextID
	s.nextID += 2
	return id
}

// ---- demux ----

func (s *Session) handleFrame(f *protocol.Frame) {
	if f.StreamID == 0 {
		s.handleControl(f)
		return
	}
	if st := s.streams[f.StreamID]; st != nil {
		s.handleStreamFrame(st, f)
		return
	}
	if protocol.IsRequest(f.Type) {
		s.acceptRequest(f)
		return
	}
	switch f.Type {
	case protocol.TypeCancel, protocol.TypeRequestN, protocol.TypeComplete, protocol.TypeError:
		// late frames racing a local retirement; drop
		s.log.Debug("frame for retired stream dropped",
			zap.Uint64("stream", f.StreamID), zap.String("type", protocol.TypeName(f.Type)))
	default:
		s.teardown(&ConnectionError{
			Reason: fmt.Sprintf("%s frame for unknown stream %d", protocol.TypeName(f.Type), f.StreamID)})
	}
}

func (s *Session) handleControl(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeKeepalive:
		// liveness timer already reset
	case protocol.TypeCancel:
		s.teardown(&ConnectionError{Reason: "closed by peer"})
	case protocol.TypeError:
		s.teardown(&ConnectionError{Reason: "peer error: " + string(f.Payload)})
	default:
		s.teardown(&ConnectionError{
			Reason: fmt.Sprintf("unexpected %s on stream 0", protocol.TypeName(f.Type))})
	}
}

// ---- stream lifecycle ----

// finishStream pushes a terminal error into every half of a stream.
func (s *Session) finishStream(st *stream, err error) {
	st.retired = true
	if st.out != nil {
		st.out.Close(err)
	}
	if st.inWin != nil {
		st.inWin.Close(err)
	}
	if st.recv != nil {
		st.recv.finish(err)
	}
	if st.resp != nil {
		select {
		case st.resp <- rrResult{err: err}:
		default:
		}
	}
	if st.cancel != nil {
		st.cancel()
	}
}

// retire removes a stream from the table. Its id is never reused.
func (s *Session) retire(st *stream, err error) {
	if st.retired {
		return
	}
	delete(s.streams, st.id)
	s.finishStream(st, err)
}

func (s *Session) maybeRetire(st *stream) {
	if st.halvesDone() {
		s.retire(st, ErrClosed)
	}
}

func (s *Session) teardown(err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()
	close(s.closed)
	s.cancelBase()

	terminal := err
	if terminal == nil {
		terminal = ErrClosed
	}
	for id, st := range s.streams {
		delete(s.streams, id)
		s.finishStream(st, terminal)
	}
	_ = s.tr.Close()
	if err != nil {
		s.log.Warn("session torn down", zap.Error(err))
	} else {
		s.log.Debug("session closed")
	}
}

// ---- producer plumbing (called from handler/requester goroutines) ----

// emitNext sends one data element on an open outbound half.
func (s *Session) emitNext(id uint64, payload []byte) error {
	return s.call(func() error {
		st := s.streams[id]
		if st == nil || st.outDone {
			return ErrCancelled
		}
		return s.sendFrame(&protocol.Frame{
			StreamID: id, Type: protocol.TypePayload, Flags: protocol.FlagNext, Payload: payload})
	})
}

// emitComplete terminates the outbound half with an empty COMPLETE payload.
func (s *Session) emitComplete(id uint64) {
	_ = s.call(func() error {
		st := s.streams[id]
		if st == nil || st.outDone {
			return nil
		}
		st.outDone = true
		if err := s.sendFrame(&protocol.Frame{
			StreamID: id, Type: protocol.TypePayload, Flags: protocol.FlagComplete}); err != nil {
			return err
		}
		s.maybeRetire(st)
		return nil
	})
}

// emitError terminates the whole stream with an ERROR frame.
func (s *Session) emitError(id uint64, err error) {
	_ = s.call(func() error {
		st := s.streams[id]
		if st == nil {
			return nil
		}
		s.sendError(id, err.Error())
		s.retire(st, err)
		return nil
	})
}

// regrant tops up inbound credit for a consumer that drained n elements.
func (s *Session) regrant(id uint64, n uint32) {
	s.do(func() {
		st := s.streams[id]
		if st == nil || st.inDone {
			return
		}
		st.inWin.Grant(n)
		_ = s.sendFrame(&protocol.Frame{
			StreamID: id, Type: protocol.TypeRequestN, Payload: protocol.EncodeDemand(n, nil)})
	})
}
