package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"reqmux/pkg/protocol"
	"reqmux/pkg/protocol/codec"
	"reqmux/pkg/route"
	"reqmux/pkg/service"
	"reqmux/pkg/transport"
	"reqmux/pkg/transport/mem"
)

func startPair(t *testing.T, reg *route.Registry, srvOpts, cliOpts Options) (cli, srv *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := mem.New()
	ln, err := tr.Listen(ctx, t.Name())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srvOpts.Routes = reg
	if srvOpts.Log == nil {
		srvOpts.Log = zap.NewNop()
	}
	if cliOpts.Log == nil {
		cliOpts.Log = zap.NewNop()
	}
	type res struct {
		s   *Session
		err error
	}
	ch := make(chan res, 1)
	go func() {
		tc, err := ln.Accept(ctx)
		if err != nil {
			ch <- res{nil, err}
			return
		}
		s, err := Accept(ctx, tc, srvOpts)
		ch <- res{s, err}
	}()
	tc, err := tr.Dial(ctx, t.Name())
	if err != nil {
		t.Fatalf("dial transport: %v", err)
	}
	cli, err = Dial(ctx, tc, cliOpts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	r := <-ch
	if r.err != nil {
		t.Fatalf("accept: %v", r.err)
	}
	t.Cleanup(func() { _ = cli.Close(); _ = r.s.Close() })
	return cli, r.s
}

func serviceRegistry(t *testing.T) (*route.Registry, codec.Codec) {
	t.Helper()
	c := codec.CBOR()
	reg := route.NewRegistry()
	if err := service.New(c, zap.NewNop()).Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg, c
}

func decodeMessage(t *testing.T, c codec.Codec, b []byte) service.Message {
	t.Helper()
	var m service.Message
	if err := c.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return m
}

func TestRequestGetsResponse(t *testing.T) {
	reg, c := serviceRegistry(t)
	cli, _ := startPair(t, reg, Options{}, Options{})

	req, _ := c.Marshal(service.Message{Origin: "TEST", Interaction: "Request"})
	resp, err := cli.RequestResponse(context.Background(), service.RouteRequestResponse, req)
	if err != nil {
		t.Fatalf("request-response: %v", err)
	}
	m := decodeMessage(t, c, resp)
	if m.Origin != service.Origin || m.Interaction != service.InteractionRespond || m.Index != 0 {
		t.Fatalf("unexpected response: %+v", m)
	}
}

func TestRequestResponseHandlerError(t *testing.T) {
	reg := route.NewRegistry()
	_ = reg.Register("boom", &route.Handler{
		Kind: route.KindRequestResponse,
		Respond: func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("handler exploded")
		},
	})
	cli, _ := startPair(t, reg, Options{}, Options{})

	_, err := cli.RequestResponse(context.Background(), "boom", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "handler exploded" {
		t.Fatalf("got %v, want remote handler error", err)
	}
}

func TestRequestResponseCancelMidFlight(t *testing.T) {
	started := make(chan struct{})
	handlerDone := make(chan struct{})
	reg := route.NewRegistry()
	_ = reg.Register("slow", &route.Handler{
		Kind: route.KindRequestResponse,
		Respond: func(ctx context.Context, _ []byte) ([]byte, error) {
			close(started)
			<-ctx.Done()
			close(handlerDone)
			return nil, ctx.Err()
		},
	})
	cli, srv := startPair(t, reg, Options{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()
	_, err := cli.RequestResponse(ctx, "slow", []byte("req"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	// the CANCEL must reach the responder and cancel the handler's ctx
	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("responder handler never observed cancellation")
	}
	// both sessions survive the abandoned exchange
	select {
	case <-cli.Done():
		t.Fatalf("requester torn down: %v", cli.Err())
	case <-srv.Done():
		t.Fatalf("responder torn down: %v", srv.Err())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFireAndForgetCompletesRegardlessOfHandler(t *testing.T) {
	got := make(chan []byte, 1)
	reg := route.NewRegistry()
	_ = reg.Register("fnf", &route.Handler{
		Kind: route.KindFireAndForget,
		Accept: func(_ context.Context, req []byte) error {
			got <- append([]byte(nil), req...)
			return errors.New("always fails") // must never reach the requester
		},
	})
	cli, _ := startPair(t, reg, Options{}, Options{})

	if err := cli.FireAndForget(context.Background(), "fnf", []byte("payload")); err != nil {
		t.Fatalf("fire-and-forget: %v", err)
	}
	select {
	case b := <-got:
		if string(b) != "payload" {
			t.Fatalf("handler saw %q", b)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler never ran")
	}
	// the session must stay healthy after the swallowed handler failure
	select {
	case <-cli.Done():
		t.Fatalf("session torn down: %v", cli.Err())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestStreamOrderAndCancel(t *testing.T) {
	reg, c := serviceRegistry(t)
	cli, _ := startPair(t, reg, Options{}, Options{})

	req, _ := c.Marshal(service.Message{Origin: "TEST", Interaction: "Stream"})
	rcv, err := cli.RequestStream(context.Background(), service.RouteStream, req, 3)
	if err != nil {
		t.Fatalf("request-stream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		b, err := rcv.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		m := decodeMessage(t, c, b)
		if m.Index != int64(i) || m.Interaction != service.InteractionStream {
			t.Fatalf("element %d: %+v", i, m)
		}
	}
	rcv.RequestN(2)
	for i := 3; i < 5; i++ {
		b, err := rcv.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if m := decodeMessage(t, c, b); m.Index != int64(i) {
			t.Fatalf("element %d has index %d", i, m.Index)
		}
	}
	rcv.Cancel()
}

func TestStreamRespectsDemand(t *testing.T) {
	var emitted atomic.Int64
	reg := route.NewRegistry()
	_ = reg.Register("counter", &route.Handler{
		Kind: route.KindRequestStream,
		Stream: func(ctx context.Context, _ []byte, out route.Producer) error {
			for {
				if err := out.Next(ctx, []byte{0}); err != nil {
					return err
				}
				emitted.Add(1)
			}
		},
	})
	cli, _ := startPair(t, reg, Options{}, Options{})

	rcv, err := cli.RequestStream(context.Background(), "counter", nil, 2)
	if err != nil {
		t.Fatalf("request-stream: %v", err)
	}
	waitFor(t, func() bool { return emitted.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := emitted.Load(); n != 2 {
		t.Fatalf("responder emitted %d elements with demand 2", n)
	}
	rcv.RequestN(3)
	waitFor(t, func() bool { return emitted.Load() == 5 })
	rcv.Cancel()
}

func TestChannelPerSettingIndices(t *testing.T) {
	reg, c := serviceRegistry(t)
	cli, _ := startPair(t, reg, Options{InitialDemand: 4}, Options{})

	snd, rcv, err := cli.RequestChannel(context.Background(), service.RouteChannel, 8)
	if err != nil {
		t.Fatalf("request-channel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, _ := c.Marshal(service.Setting{IntervalMS: 400})
	s2, _ := c.Marshal(service.Setting{IntervalMS: 500})
	if err := snd.Send(ctx, s1); err != nil {
		t.Fatalf("send setting 1: %v", err)
	}
	if err := snd.Send(ctx, s2); err != nil {
		t.Fatalf("send setting 2: %v", err)
	}
	// each setting starts its own sequence at zero
	for i := 0; i < 2; i++ {
		b, err := rcv.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		m := decodeMessage(t, c, b)
		if m.Interaction != service.InteractionChannel || m.Index != 0 {
			t.Fatalf("element %d: %+v", i, m)
		}
	}
	// completing the inbound half must not stop the responder's emitters
	snd.Complete()
	if _, err := rcv.Next(ctx); err != nil {
		t.Fatalf("next after outbound complete: %v", err)
	}
	rcv.Cancel()
}

func TestChannelIndependentCompletion(t *testing.T) {
	sawEOF := make(chan struct{})
	reg := route.NewRegistry()
	_ = reg.Register("half", &route.Handler{
		Kind: route.KindRequestChannel,
		Channel: func(ctx context.Context, in route.Consumer, out route.Producer) error {
			// complete outbound immediately, keep draining inbound
			out.Complete()
			for {
				if _, err := in.Next(ctx); err != nil {
					close(sawEOF)
					return nil
				}
			}
		},
	})
	cli, _ := startPair(t, reg, Options{InitialDemand: 4}, Options{})

	snd, rcv, err := cli.RequestChannel(context.Background(), "half", 4)
	if err != nil {
		t.Fatalf("request-channel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rcv.Next(ctx); err != io.EOF {
		t.Fatalf("outbound half should be complete, got %v", err)
	}
	// inbound half is still open: sends must keep flowing
	if err := snd.Send(ctx, []byte("late")); err != nil {
		t.Fatalf("send after peer completed its half: %v", err)
	}
	snd.Complete()
	select {
	case <-sawEOF:
	case <-ctx.Done():
		t.Fatalf("responder never observed inbound completion")
	}
}

func TestNoMatchingRoute(t *testing.T) {
	reg, c := serviceRegistry(t)
	cli, _ := startPair(t, reg, Options{}, Options{})

	// open a sibling stream first; it must survive the routing miss
	req, _ := c.Marshal(service.Message{Origin: "TEST", Interaction: "Stream"})
	rcv, err := cli.RequestStream(context.Background(), service.RouteStream, req, 2)
	if err != nil {
		t.Fatalf("request-stream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rcv.Next(ctx); err != nil {
		t.Fatalf("sibling next: %v", err)
	}

	_, err = cli.RequestResponse(context.Background(), "invalid", []byte("anything"))
	if err == nil || err.Error() != "No handler for destination 'invalid'" {
		t.Fatalf("got %v", err)
	}

	if _, err := rcv.Next(ctx); err != nil {
		t.Fatalf("sibling stream affected by routing miss: %v", err)
	}
	rcv.Cancel()
}

func TestCloseCancelsOpenStreams(t *testing.T) {
	reg, c := serviceRegistry(t)
	cli, srv := startPair(t, reg, Options{}, Options{})

	req, _ := c.Marshal(service.Message{Origin: "TEST", Interaction: "Stream"})
	rcv, err := cli.RequestStream(context.Background(), service.RouteStream, req, 1)
	if err != nil {
		t.Fatalf("request-stream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rcv.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}

	_ = srv.Close()
	_, err = rcv.Next(ctx)
	var ce *ConnectionError
	if err == nil || !(errors.As(err, &ce) || errors.Is(err, ErrClosed)) {
		t.Fatalf("got %v, want connection-level termination", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

// ---- raw-frame tests exercising the wire contract directly ----

type rawPeer struct {
	t  *testing.T
	tc transport.Conn
}

func (p *rawPeer) send(f *protocol.Frame) {
	p.t.Helper()
	b, err := f.Encode()
	if err != nil {
		p.t.Fatalf("encode: %v", err)
	}
	if err := p.tc.SendBytes(b); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *rawPeer) recv() *protocol.Frame {
	p.t.Helper()
	b, err := p.tc.RecvBytes()
	if err != nil {
		p.t.Fatalf("recv: %v", err)
	}
	f := new(protocol.Frame)
	if err := f.Decode(b); err != nil {
		p.t.Fatalf("decode: %v", err)
	}
	return f
}

// startRawServer runs Accept against a hand-driven peer conn.
func startRawServer(t *testing.T, reg *route.Registry, opts Options) (*rawPeer, *Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	opts.Routes = reg
	opts.Log = zap.NewNop()
	type res struct {
		s   *Session
		err error
	}
	ch := make(chan res, 1)
	go func() {
		s, err := Accept(context.Background(), transport.NewFramedConn(c2), opts)
		ch <- res{s, err}
	}()
	peer := &rawPeer{t: t, tc: transport.NewFramedConn(c1)}
	peer.send(protocol.EncodeSetup(protocol.Setup{
		Version: Version, KeepaliveMS: 20000, ContentType: protocol.ContentCBOR}))
	if f := peer.recv(); f.Type != protocol.TypeSetup {
		t.Fatalf("expected SETUP reply, got %s", protocol.TypeName(f.Type))
	}
	r := <-ch
	if r.err != nil {
		t.Fatalf("accept: %v", r.err)
	}
	// Close the peer transport first: Close writes the stream-0 CANCEL from
	// the caller goroutine, and the unbuffered net.Pipe would block forever
	// once the raw peer stops reading.
	t.Cleanup(func() { _ = peer.tc.Close(); _ = r.s.Close() })
	return peer, r.s
}

func TestHandshakeVersionMismatch(t *testing.T) {
	c1, c2 := net.Pipe()
	errCh := make(chan error, 1)
	go func() {
		_, err := Accept(context.Background(), transport.NewFramedConn(c2), Options{Log: zap.NewNop()})
		errCh <- err
	}()
	peer := &rawPeer{t: t, tc: transport.NewFramedConn(c1)}
	peer.send(protocol.EncodeSetup(protocol.Setup{Version: 9, KeepaliveMS: 1000, ContentType: protocol.ContentCBOR}))
	if f := peer.recv(); f.Type != protocol.TypeError {
		t.Fatalf("expected ERROR frame, got %s", protocol.TypeName(f.Type))
	}
	err := <-errCh
	var hs *HandshakeError
	if !errors.As(err, &hs) {
		t.Fatalf("got %v, want HandshakeError", err)
	}
	_ = peer.tc.Close()
}

func TestFlowViolationRetiresStream(t *testing.T) {
	reg := route.NewRegistry()
	_ = reg.Register("sink", &route.Handler{
		Kind: route.KindRequestChannel,
		Channel: func(ctx context.Context, in route.Consumer, out route.Producer) error {
			// never consume, so the inbound grant is never replenished
			<-ctx.Done()
			return nil
		},
	})
	peer, srv := startRawServer(t, reg, Options{InitialDemand: 2})

	peer.send(&protocol.Frame{StreamID: 1, Type: protocol.TypeRequestChannel,
		Metadata: []byte("sink"), Payload: protocol.EncodeDemand(1, nil)})
	if f := peer.recv(); f.Type != protocol.TypeRequestN {
		t.Fatalf("expected initial REQUEST_N, got %s", protocol.TypeName(f.Type))
	}
	// granted 2, emit 3
	for i := 0; i < 3; i++ {
		peer.send(&protocol.Frame{StreamID: 1, Type: protocol.TypePayload,
			Flags: protocol.FlagNext, Payload: []byte{byte(i)}})
	}
	f := peer.recv()
	if f.Type != protocol.TypeError || f.StreamID != 1 {
		t.Fatalf("expected stream ERROR, got %s on %d", protocol.TypeName(f.Type), f.StreamID)
	}
	// connection survives the stream-scoped violation
	select {
	case <-srv.Done():
		t.Fatalf("connection torn down by stream-scoped violation: %v", srv.Err())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPayloadForUnknownStreamTearsDown(t *testing.T) {
	peer, srv := startRawServer(t, route.NewRegistry(), Options{})
	peer.send(&protocol.Frame{StreamID: 99, Type: protocol.TypePayload,
		Flags: protocol.FlagNext, Payload: []byte("stray")})
	select {
	case <-srv.Done():
		var ce *ConnectionError
		if !errors.As(srv.Err(), &ce) {
			t.Fatalf("got %v, want ConnectionError", srv.Err())
		}
	case <-time.After(time.Second):
		t.Fatalf("connection survived a protocol violation")
	}
}

func TestLateCancelForRetiredStreamIgnored(t *testing.T) {
	reg := route.NewRegistry()
	_ = reg.Register("one", &route.Handler{
		Kind:    route.KindRequestResponse,
		Respond: func(context.Context, []byte) ([]byte, error) { return []byte("ok"), nil },
	})
	peer, srv := startRawServer(t, reg, Options{})

	peer.send(&protocol.Frame{StreamID: 1, Type: protocol.TypeRequestResponse,
		Flags: protocol.FlagNext, Metadata: []byte("one")})
	if f := peer.recv(); f.Type != protocol.TypePayload || !f.HasFlag(protocol.FlagComplete) {
		t.Fatalf("expected terminal PAYLOAD, got %s", protocol.TypeName(f.Type))
	}
	// stream is retired on the server; a racing CANCEL must be dropped
	peer.send(&protocol.Frame{StreamID: 1, Type: protocol.TypeCancel})
	select {
	case <-srv.Done():
		t.Fatalf("late CANCEL tore the connection down: %v", srv.Err())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseSendsCancelFrame(t *testing.T) {
	peer, srv := startRawServer(t, route.NewRegistry(), Options{})
	go func() { _ = srv.Close() }()
	// the clean-close signal must hit the wire before the transport goes away
	f := peer.recv()
	if f.StreamID != 0 || f.Type != protocol.TypeCancel {
		t.Fatalf("expected stream-0 CANCEL, got %s on %d", protocol.TypeName(f.Type), f.StreamID)
	}
}

func TestKeepaliveTimeout(t *testing.T) {
	c1, c2 := net.Pipe()
	type res struct {
		s   *Session
		err error
	}
	ch := make(chan res, 1)
	go func() {
		s, err := Dial(context.Background(), transport.NewFramedConn(c1), Options{
			Keepalive:        20 * time.Millisecond,
			KeepaliveTimeout: 100 * time.Millisecond,
			Log:              zap.NewNop(),
		})
		ch <- res{s, err}
	}()
	// silent peer: completes the handshake, then never sends another frame
	peer := &rawPeer{t: t, tc: transport.NewFramedConn(c2)}
	if f := peer.recv(); f.Type != protocol.TypeSetup {
		t.Fatalf("expected SETUP, got %s", protocol.TypeName(f.Type))
	}
	peer.send(protocol.EncodeSetup(protocol.Setup{
		Version: Version, KeepaliveMS: 20, ContentType: protocol.ContentCBOR}))
	go func() { // drain the client's keepalives so its writes don't block
		for {
			if _, err := peer.tc.RecvBytes(); err != nil {
				return
			}
		}
	}()
	r := <-ch
	if r.err != nil {
		t.Fatalf("dial: %v", r.err)
	}
	select {
	case <-r.s.Done():
		var ce *ConnectionError
		if !errors.As(r.s.Err(), &ce) {
			t.Fatalf("got %v, want ConnectionError", r.s.Err())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("keepalive timeout never fired")
	}
	_ = peer.tc.Close()
}
