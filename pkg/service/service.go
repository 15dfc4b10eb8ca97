// Package service provides the reference message handlers bound to the demo
// routes. It is the application layer above the protocol core: payloads are
// typed here, the engine below only moves bytes.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"reqmux/pkg/protocol/codec"
	"reqmux/pkg/route"
)

// Route names served by this service.
const (
	RouteRequestResponse = "request-response"
	RouteFireAndForget   = "fire-and-forget"
	RouteStream          = "stream"
	RouteChannel         = "channel"
)

// Values the server stamps on outbound messages.
const (
	Origin             = "SERVER"
	InteractionRespond = "RESPONSE"
	InteractionStream  = "STREAM"
	InteractionChannel = "CHANNEL"
)

// Message is the payload schema exchanged on every demo route.
type Message struct {
	Origin      string `cbor:"origin" json:"origin"`
	Interaction string `cbor:"interaction" json:"interaction"`
	Index       int64  `cbor:"index" json:"index"`
}

// Setting is the inbound element of the channel route. Each setting starts a
// fresh emitter with the given cadence.
type Setting struct {
	IntervalMS int64 `cbor:"interval_ms" json:"interval_ms"`
}

const defaultChannelInterval = time.Second

// Service holds the connection codec and handler options.
type Service struct {
	codec codec.Codec
	log   *zap.Logger

	// StreamInterval paces the stream route between elements, on top of
	// credit pacing. Zero emits as fast as demand allows.
	StreamInterval time.Duration
}

func New(c codec.Codec, log *zap.Logger) *Service {
	if log == nil {
		log = zap.L()
	}
	return &Service{codec: c, log: log}
}

// Register binds the four demo routes on reg.
func (s *Service) Register(reg *route.Registry) error {
	handlers := map[string]*route.Handler{
		RouteRequestResponse: {Kind: route.KindRequestResponse, Respond: s.respond},
		RouteFireAndForget:   {Kind: route.KindFireAndForget, Accept: s.accept},
		RouteStream:          {Kind: route.KindRequestStream, Stream: s.stream},
		RouteChannel:         {Kind: route.KindRequestChannel, Channel: s.channel},
	}
	for r, h := range handlers {
		if err := reg.Register(r, h); err != nil {
			return err
		}
	}
	return nil
}

// respond answers one request with one message.
func (s *Service) respond(_ context.Context, req []byte) ([]byte, error) {
	var in Message
	if err := s.codec.Unmarshal(req, &in); err != nil {
		return nil, err
	}
	s.log.Info("received request-response",
		zap.String("origin", in.Origin), zap.String("interaction", in.Interaction))
	return s.codec.Marshal(Message{Origin: Origin, Interaction: InteractionRespond, Index: 0})
}

// accept consumes a fire-and-forget request; there is nothing to return.
func (s *Service) accept(_ context.Context, req []byte) error {
	var in Message
	if err := s.codec.Unmarshal(req, &in); err != nil {
		return err
	}
	s.log.Info("received fire-and-forget",
		zap.String("origin", in.Origin), zap.String("interaction", in.Interaction))
	return nil
}

// stream emits an unbounded indexed sequence, paced by demand.
func (s *Service) stream(ctx context.Context, req []byte, out route.Producer) error {
	var in Message
	if err := s.codec.Unmarshal(req, &in); err != nil {
		return err
	}
	s.log.Info("received stream request", zap.String("origin", in.Origin))
	for i := int64(0); ; i++ {
		payload, err := s.codec.Marshal(Message{Origin: Origin, Interaction: InteractionStream, Index: i})
		if err != nil {
			return err
		}
		if err := out.Next(ctx, payload); err != nil {
			return err
		}
		if s.StreamInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.StreamInterval):
			}
		}
	}
}

// channel starts one emitter per inbound setting; each emitter indexes its own
// sequence from zero, so output cadence never mirrors input cadence. The
// inbound half completing does not stop the emitters; they run until the
// stream is cancelled.
func (s *Service) channel(ctx context.Context, in route.Consumer, out route.Producer) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		b, err := in.Next(ctx)
		if err != nil {
			return nil // inbound half done; emitters keep running
		}
		var set Setting
		if err := s.codec.Unmarshal(b, &set); err != nil {
			return err
		}
		interval := time.Duration(set.IntervalMS) * time.Millisecond
		if interval <= 0 {
			interval = defaultChannelInterval
		}
		s.log.Info("channel setting received", zap.Duration("interval", interval))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); ; i++ {
				payload, err := s.codec.Marshal(Message{Origin: Origin, Interaction: InteractionChannel, Index: i})
				if err != nil {
					return
				}
				if err := out.Next(ctx, payload); err != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
		}()
	}
}
