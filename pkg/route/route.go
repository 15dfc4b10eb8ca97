// Package route maps destination strings to handler descriptors. The registry
// is built once at startup and read-only afterwards, so lookups need no
// synchronization.
package route

import (
	"context"
	"fmt"
)

// Kind selects a stream's interaction model and state machine.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRequestResponse
	KindFireAndForget
	KindRequestStream
	KindRequestChannel
)

func (k Kind) String() string {
	switch k {
	case KindRequestResponse:
		return "request-response"
	case KindFireAndForget:
		return "fire-and-forget"
	case KindRequestStream:
		return "request-stream"
	case KindRequestChannel:
		return "request-channel"
	default:
		return "unknown"
	}
}

// Producer is the credit-paced outbound half handed to streaming handlers.
// Next blocks while demand is exhausted and returns an error once the stream
// is cancelled or torn down; after that the handler should stop emitting.
type Producer interface {
	Next(ctx context.Context, payload []byte) error
	Complete()
	Error(err error)
}

// Consumer is the inbound half handed to channel handlers. Next returns
// io.EOF once the requester completed its side.
type Consumer interface {
	Next(ctx context.Context) ([]byte, error)
}

// Handler describes one registered destination. Exactly the field matching
// Kind is invoked; the others stay nil.
type Handler struct {
	Kind Kind

	// Respond serves request-response: one request in, one payload out.
	Respond func(ctx context.Context, req []byte) ([]byte, error)
	// Accept serves fire-and-forget; its error is logged locally, never sent.
	Accept func(ctx context.Context, req []byte) error
	// Stream serves request-stream, emitting elements on out.
	Stream func(ctx context.Context, req []byte, out Producer) error
	// Channel serves request-channel; in and out are causally independent.
	Channel func(ctx context.Context, in Consumer, out Producer) error
}

// NoHandlerError reports a dispatch miss. Its text is part of the wire
// contract: it travels verbatim in the ERROR frame for the failed stream.
type NoHandlerError struct{ Route string }

func (e *NoHandlerError) Error() string {
	return "No handler for destination '" + e.Route + "'"
}

// DuplicateRouteError reports a second registration for the same destination.
type DuplicateRouteError struct{ Route string }

func (e *DuplicateRouteError) Error() string {
	return fmt.Sprintf("route already registered: %q", e.Route)
}

// Registry is the route table. Register during startup from a single
// goroutine; Lookup at any time afterwards.
type Registry struct {
	byRoute map[string]*Handler
}

func NewRegistry() *Registry {
	return &Registry{byRoute: make(map[string]*Handler)}
}

// Register binds destination r to h.
func (g *Registry) Register(r string, h *Handler) error {
	if r == "" {
		return fmt.Errorf("empty route")
	}
	if h == nil || h.Kind == KindUnknown {
		return fmt.Errorf("route %q: missing handler kind", r)
	}
	if _, ok := g.byRoute[r]; ok {
		return &DuplicateRouteError{Route: r}
	}
	g.byRoute[r] = h
	return nil
}

// Lookup resolves a destination. Matching is exact, no wildcards.
func (g *Registry) Lookup(r string) (*Handler, error) {
	h, ok := g.byRoute[r]
	if !ok {
		return nil, &NoHandlerError{Route: r}
	}
	return h, nil
}

// Routes returns the registered destinations (for startup logs).
func (g *Registry) Routes() []string {
	out := make([]string, 0, len(g.byRoute))
	for r := range g.byRoute {
		out = append(out, r)
	}
	return out
}
