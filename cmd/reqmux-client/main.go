package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"reqmux/pkg/protocol"
	"reqmux/pkg/protocol/codec"
	"reqmux/pkg/service"
	"reqmux/pkg/session"
	"reqmux/pkg/transport/stack"
)

func main() {
	kind := flag.String("kind", "tcp", "transport kind: tcp|quic|mem|winpipe")
	addr := flag.String("addr", ":7878", "address to connect to")
	interaction := flag.String("interaction", "request", "interaction to run: request|fnf|stream|channel")
	route := flag.String("route", "", "destination route (defaults to the interaction's standard route)")
	origin := flag.String("origin", "CLIENT", "origin field stamped on outgoing messages")
	count := flag.Int("count", 5, "elements to consume from stream/channel interactions")
	demand := flag.Uint("demand", 5, "initial credit requested for stream/channel responses")
	settings := flag.Int("settings", 2, "settings to send on a channel interaction")
	interval := flag.Duration("interval", time.Second, "emission interval requested per channel setting")
	contentType := flag.String("content-type", protocol.ContentCBOR, "payload content type")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := codec.NewRegistry().Negotiate(*contentType)
	if err != nil {
		fatalf("codec: %v", err)
	}

	tr, err := stack.NewByKind(*kind)
	if err != nil {
		fatalf("new transport: %v", err)
	}
	tc, err := tr.Dial(ctx, *addr)
	if err != nil {
		fatalf("dial: %v", err)
	}
	sess, err := session.Dial(ctx, tc, session.Options{ContentType: *contentType})
	if err != nil {
		fatalf("handshake: %v", err)
	}
	defer sess.Close()
	fmt.Println("connected; content type:", sess.ContentType())

	switch *interaction {
	case "request":
		runRequest(ctx, sess, c, pick(*route, service.RouteRequestResponse), *origin)
	case "fnf":
		runFireAndForget(ctx, sess, c, pick(*route, service.RouteFireAndForget), *origin)
	case "stream":
		runStream(ctx, sess, c, pick(*route, service.RouteStream), *origin, uint32(*demand), *count)
	case "channel":
		runChannel(ctx, sess, c, pick(*route, service.RouteChannel), uint32(*demand), *settings, *interval, *count)
	default:
		fatalf("unknown interaction: %q", *interaction)
	}
}

func pick(override, standard string) string {
	if override != "" {
		return override
	}
	return standard
}

func runRequest(ctx context.Context, sess *session.Session, c codec.Codec, route, origin string) {
	req, err := c.Marshal(service.Message{Origin: origin, Interaction: "Request"})
	if err != nil {
		fatalf("marshal: %v", err)
	}
	resp, err := sess.RequestResponse(ctx, route, req)
	if err != nil {
		fatalf("request: %v", err)
	}
	var m service.Message
	if err := c.Unmarshal(resp, &m); err != nil {
		fatalf("decode response: %v", err)
	}
	fmt.Printf("response: %+v\n", m)
}

func runFireAndForget(ctx context.Context, sess *session.Session, c codec.Codec, route, origin string) {
	req, err := c.Marshal(service.Message{Origin: origin, Interaction: "Fire-And-Forget"})
	if err != nil {
		fatalf("marshal: %v", err)
	}
	if err := sess.FireAndForget(ctx, route, req); err != nil {
		fatalf("fire-and-forget: %v", err)
	}
	fmt.Println("fire-and-forget sent")
}

func runStream(ctx context.Context, sess *session.Session, c codec.Codec, route, origin string, demand uint32, count int) {
	req, err := c.Marshal(service.Message{Origin: origin, Interaction: "Stream"})
	if err != nil {
		fatalf("marshal: %v", err)
	}
	rcv, err := sess.RequestStream(ctx, route, req, demand)
	if err != nil {
		fatalf("request-stream: %v", err)
	}
	defer rcv.Cancel()
	for i := 0; i < count; i++ {
		if i > 0 && uint32(i)%demand == 0 {
			rcv.RequestN(demand)
		}
		b, err := rcv.Next(ctx)
		if err == io.EOF {
			fmt.Println("stream complete")
			return
		}
		if err != nil {
			fatalf("stream element %d: %v", i, err)
		}
		var m service.Message
		if err := c.Unmarshal(b, &m); err != nil {
			fatalf("decode element %d: %v", i, err)
		}
		fmt.Printf("element %d: %+v\n", i, m)
	}
}

func runChannel(ctx context.Context, sess *session.Session, c codec.Codec, route string, demand uint32, settings int, interval time.Duration, count int) {
	snd, rcv, err := sess.RequestChannel(ctx, route, demand)
	if err != nil {
		fatalf("request-channel: %v", err)
	}
	defer rcv.Cancel()
	for i := 0; i < settings; i++ {
		b, err := c.Marshal(service.Setting{IntervalMS: interval.Milliseconds()})
		if err != nil {
			fatalf("marshal setting: %v", err)
		}
		if err := snd.Send(ctx, b); err != nil {
			fatalf("send setting %d: %v", i, err)
		}
	}
	snd.Complete()
	for i := 0; i < count; i++ {
		if i > 0 && uint32(i)%demand == 0 {
			rcv.RequestN(demand)
		}
		b, err := rcv.Next(ctx)
		if err == io.EOF {
			fmt.Println("channel complete")
			return
		}
		if err != nil {
			fatalf("channel element %d: %v", i, err)
		}
		var m service.Message
		if err := c.Unmarshal(b, &m); err != nil {
			fatalf("decode element %d: %v", i, err)
		}
		fmt.Printf("element %d: %+v\n", i, m)
	}
}

func fatalf(format string, a ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
