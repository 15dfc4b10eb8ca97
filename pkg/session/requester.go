package session

import (
	"context"

	"reqmux/pkg/flow"
	"reqmux/pkg/protocol"
	"reqmux/pkg/route"
)

// RequestResponse sends one request to dest and waits for the single response
// payload. Cancelling ctx sends a CANCEL and abandons the exchange.
func (s *Session) RequestResponse(ctx context.Context, dest string, payload []byte) ([]byte, error) {
	resp := make(chan rrResult, 1)
	var id uint64
	err := s.call(func() error {
		id = s.allocID()
		st := &stream{id: id, kind: route.KindRequestResponse, route: dest,
			role: roleRequester, resp: resp, outDone: true}
		s.streams[id] = st
		return s.sendFrame(&protocol.Frame{StreamID: id, Type: protocol.TypeRequestResponse,
			Flags: protocol.FlagNext, Metadata: []byte(dest), Payload: payload})
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-resp:
		return r.payload, r.err
	case <-ctx.Done():
		s.cancelStream(id)
		return nil, ctx.Err()
	}
}

// FireAndForget completes as soon as the request frame is flushed to the
// transport; the handler's outcome never reaches this side.
func (s *Session) FireAndForget(ctx context.Context, dest string, payload []byte) error {
	done := make(chan error, 1)
	if !s.do(func() {
		id := s.allocID() // id retired the instant the frame is flushed
		done <- s.sendFrame(&protocol.Frame{StreamID: id, Type: protocol.TypeRequestFNF,
			Flags: protocol.FlagNext, Metadata: []byte(dest), Payload: payload})
	}) {
		return s.closeError()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return s.closeError()
	}
}

// RequestStream opens a response sequence from dest with an initial demand of
// n elements (0 takes the configured default).
func (s *Session) RequestStream(ctx context.Context, dest string, payload []byte, n uint32) (*Receiver, error) {
	if n == 0 {
		n = s.opts.InitialDemand
	}
	rcv := newReceiver()
	var id uint64
	err := s.call(func() error {
		id = s.allocID()
		st := &stream{id: id, kind: route.KindRequestStream, route: dest,
			role: roleRequester, recv: rcv, inWin: flow.NewWindow(n), outDone: true}
		s.streams[id] = st
		return s.sendFrame(&protocol.Frame{StreamID: id, Type: protocol.TypeRequestStream,
			Flags: protocol.FlagNext, Metadata: []byte(dest),
			Payload: protocol.EncodeDemand(n, payload)})
	})
	if err != nil {
		return nil, err
	}
	return &Receiver{s: s, id: id, r: rcv}, nil
}

// RequestChannel opens a bidirectional exchange with dest. n is the initial
// demand for the responder's sequence; the returned Sender blocks until the
// responder grants credit for ours.
func (s *Session) RequestChannel(ctx context.Context, dest string, n uint32) (*Sender, *Receiver, error) {
	if n == 0 {
		n = s.opts.InitialDemand
	}
	rcv := newReceiver()
	win := flow.NewWindow(0)
	var id uint64
	err := s.call(func() error {
		id = s.allocID()
		st := &stream{id: id, kind: route.KindRequestChannel, route: dest,
			role: roleRequester, recv: rcv, inWin: flow.NewWindow(n), out: win}
		s.streams[id] = st
		return s.sendFrame(&protocol.Frame{StreamID: id, Type: protocol.TypeRequestChannel,
			Metadata: []byte(dest), Payload: protocol.EncodeDemand(n, nil)})
	})
	if err != nil {
		return nil, nil, err
	}
	return &Sender{s: s, id: id, win: win}, &Receiver{s: s, id: id, r: rcv}, nil
}

// cancelStream sends CANCEL for an open stream and retires it locally.
func (s *Session) cancelStream(id uint64) {
	s.do(func() {
		st := s.streams[id]
		if st == nil {
			return
		}
		_ = s.sendFrame(&protocol.Frame{StreamID: id, Type: protocol.TypeCancel})
		s.retire(st, ErrCancelled)
	})
}

// Receiver consumes an inbound payload sequence. Next returns io.EOF on clean
// completion, the peer's message as *RemoteError on an ERROR frame, and
// ErrCancelled after Cancel.
type Receiver struct {
	s  *Session
	id uint64
	r  *receiver
}

func (r *Receiver) Next(ctx context.Context) ([]byte, error) { return r.r.next(ctx) }

// RequestN grants the producer n more elements.
func (r *Receiver) RequestN(n uint32) { r.s.regrant(r.id, n) }

// Cancel abandons the stream. The responder stops within its credit bound.
func (r *Receiver) Cancel() { r.s.cancelStream(r.id) }

// Sender is the requester's outbound half of a channel.
type Sender struct {
	s   *Session
	id  uint64
	win *flow.Window
}

// Send emits one element, blocking until the responder has granted credit.
func (snd *Sender) Send(ctx context.Context, payload []byte) error {
	if err := snd.win.Acquire(ctx); err != nil {
		return err
	}
	return snd.s.emitNext(snd.id, payload)
}

// Complete terminates the outbound half; the responder's sequence continues
// independently.
func (snd *Sender) Complete() { snd.s.emitComplete(snd.id) }
