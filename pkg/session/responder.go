package session

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"reqmux/pkg/flow"
	"reqmux/pkg/protocol"
	"reqmux/pkg/route"
)

func kindForRequest(t uint8) route.Kind {
	switch t {
	case protocol.TypeRequestResponse:
		return route.KindRequestResponse
	case protocol.TypeRequestFNF:
		return route.KindFireAndForget
	case protocol.TypeRequestStream:
		return route.KindRequestStream
	case protocol.TypeRequestChannel:
		return route.KindRequestChannel
	default:
		return route.KindUnknown
	}
}

// acceptRequest dispatches a request frame that opened a new stream id.
// A routing miss is stream-scoped: one ERROR frame, no surviving state.
func (s *Session) acceptRequest(f *protocol.Frame) {
	dest := f.Route()
	var h *route.Handler
	var err error
	if s.opts.Routes == nil {
		err = &route.NoHandlerError{Route: dest}
	} else {
		h, err = s.opts.Routes.Lookup(dest)
	}
	if err != nil {
		s.log.Debug("dispatch miss", zap.String("route", dest), zap.Uint64("stream", f.StreamID))
		s.sendError(f.StreamID, err.Error())
		return
	}
	if h.Kind != kindForRequest(f.Type) {
		s.sendError(f.StreamID, fmt.Sprintf("Handler for destination '%s' does not support %s",
			dest, protocol.TypeName(f.Type)))
		return
	}
	switch f.Type {
	case protocol.TypeRequestResponse:
		s.respondRequest(f, dest, h)
	case protocol.TypeRequestFNF:
		s.respondFNF(f, dest, h)
	case protocol.TypeRequestStream:
		s.respondStream(f, dest, h)
	case protocol.TypeRequestChannel:
		s.respondChannel(f, dest, h)
	}
}

// respondRequest runs a request-response handler off the loop and emits
// exactly one PAYLOAD (or one ERROR) when it returns.
func (s *Session) respondRequest(f *protocol.Frame, dest string, h *route.Handler) {
	id := f.StreamID
	ctx, cancel := context.WithCancel(s.baseCtx)
	st := &stream{id: id, kind: route.KindRequestResponse, route: dest,
		role: roleResponder, cancel: cancel, inDone: true}
	s.streams[id] = st
	req := f.Payload
	go func() {
		resp, err := h.Respond(ctx, req)
		s.do(func() {
			cur := s.streams[id]
			if cur != st {
				return // cancelled while the handler ran
			}
			if err != nil {
				s.sendError(id, err.Error())
				s.retire(st, err)
				return
			}
			_ = s.sendFrame(&protocol.Frame{StreamID: id, Type: protocol.TypePayload,
				Flags: protocol.FlagNext | protocol.FlagComplete, Payload: resp})
			st.outDone = true
			s.retire(st, ErrClosed)
		})
	}()
}

// respondFNF runs the handler and drops its outcome: nothing is ever sent
// back, failures are only logged locally.
func (s *Session) respondFNF(f *protocol.Frame, dest string, h *route.Handler) {
	req := f.Payload
	go func() {
		if err := h.Accept(s.baseCtx, req); err != nil {
			s.log.Warn("fire-and-forget handler failed",
				zap.String("route", dest), zap.Error(err))
		}
	}()
}

func (s *Session) respondStream(f *protocol.Frame, dest string, h *route.Handler) {
	id := f.StreamID
	n, req, err := protocol.DecodeDemand(f.Payload)
	if err != nil {
		s.teardown(&ConnectionError{Reason: "malformed request payload", Err: err})
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	st := &stream{id: id, kind: route.KindRequestStream, route: dest,
		role: roleResponder, cancel: cancel, inDone: true, out: flow.NewWindow(n)}
	s.streams[id] = st
	sink := &producerSink{s: s, id: id, win: st.out}
	go func() {
		err := h.Stream(ctx, req, sink)
		switch {
		case ctx.Err() != nil:
			// cancelled or torn down; nothing further may be sent
		case err != nil:
			s.emitError(id, err)
		default:
			s.emitComplete(id)
		}
	}()
}

func (s *Session) respondChannel(f *protocol.Frame, dest string, h *route.Handler) {
	id := f.StreamID
	n, first, err := protocol.DecodeDemand(f.Payload)
	if err != nil {
		s.teardown(&ConnectionError{Reason: "malformed request payload", Err: err})
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	st := &stream{id: id, kind: route.KindRequestChannel, route: dest,
		role: roleResponder, cancel: cancel,
		out: flow.NewWindow(n), recv: newReceiver(), inWin: flow.NewWindow(s.opts.InitialDemand)}
	s.streams[id] = st

	// open the requester's window before the handler can observe anything
	_ = s.sendFrame(&protocol.Frame{StreamID: id, Type: protocol.TypeRequestN,
		Payload: protocol.EncodeDemand(s.opts.InitialDemand, nil)})

	if f.HasFlag(protocol.FlagNext) && len(first) > 0 {
		if st.inWin.TryConsume(1) == nil {
			st.recv.push(first)
		}
	}
	if f.HasFlag(protocol.FlagComplete) {
		st.inDone = true
		st.recv.finish(io.EOF)
	}

	in := &consumer{r: st.recv, s: s, id: id, batch: s.opts.InitialDemand}
	sink := &producerSink{s: s, id: id, win: st.out}
	go func() {
		err := h.Channel(ctx, in, sink)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			s.emitError(id, err)
		default:
			s.emitComplete(id)
		}
	}()
}

// ---- frames for streams already in the table ----

func (s *Session) handleStreamFrame(st *stream, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypePayload:
		s.handlePayload(st, f)
	case protocol.TypeComplete:
		s.completeInbound(st)
	case protocol.TypeRequestN:
		n, _, err := protocol.DecodeDemand(f.Payload)
		if err != nil {
			s.teardown(&ConnectionError{Reason: "malformed REQUEST_N", Err: err})
			return
		}
		if st.out != nil {
			st.out.Grant(n)
		}
	case protocol.TypeCancel:
		// advisory but terminal: stop emission, retire both halves
		s.retire(st, ErrCancelled)
	case protocol.TypeError:
		s.retire(st, &RemoteError{Message: string(f.Payload)})
	default:
		s.teardown(&ConnectionError{
			Reason: fmt.Sprintf("unexpected %s on stream %d", protocol.TypeName(f.Type), st.id)})
	}
}

func (s *Session) handlePayload(st *stream, f *protocol.Frame) {
	if f.HasFlag(protocol.FlagNext) {
		switch {
		case st.role == roleRequester && st.kind == route.KindRequestResponse:
			select {
			case st.resp <- rrResult{payload: f.Payload}:
			default:
			}
			st.inDone = true
			s.retire(st, ErrClosed)
			return
		case st.recv != nil && !st.inDone:
			if err := st.inWin.TryConsume(1); err != nil {
				// peer emitted beyond its grant
				s.sendError(st.id, err.Error())
				s.retire(st, err)
				return
			}
			st.recv.push(f.Payload)
		default:
			s.teardown(&ConnectionError{
				Reason: fmt.Sprintf("unexpected PAYLOAD on stream %d", st.id)})
			return
		}
	}
	if f.HasFlag(protocol.FlagComplete) {
		s.completeInbound(st)
	}
}

func (s *Session) completeInbound(st *stream) {
	if st.inDone {
		return
	}
	st.inDone = true
	if st.recv != nil {
		st.recv.finish(io.EOF)
	}
	s.maybeRetire(st)
}
