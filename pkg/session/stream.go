package session

import (
	"context"
	"io"
	"sync"

	"reqmux/pkg/flow"
	"reqmux/pkg/route"
)

type streamRole uint8

const (
	roleRequester streamRole = iota
	roleResponder
)

// stream is one logical exchange in the stream table. Owned exclusively by the
// session loop; never touched from other goroutines.
type stream struct {
	id    uint64
	kind  route.Kind
	route string
	role  streamRole

	// outbound data half: credit we hold for emitting payloads. Producers
	// block on it from their own goroutines; grants arrive on the loop.
	out     *flow.Window
	outDone bool

	// inbound data half: payloads land in recv, policed by inWin.
	recv   *receiver
	inWin  *flow.Window
	inDone bool

	// request-response requester waits here.
	resp chan rrResult

	// responder handler context, cancelled on CANCEL or teardown.
	cancel context.CancelFunc

	retired bool
}

type rrResult struct {
	payload []byte
	err     error
}

// halvesDone reports whether the stream has nothing left in either direction.
func (st *stream) halvesDone() bool { return st.inDone && st.outDone }

// receiver buffers inbound payloads for a consumer goroutine. Buffering is
// bounded in practice by the credit this side granted.
type receiver struct {
	mu   sync.Mutex
	q    [][]byte
	term error // io.EOF on completion
	sig  chan struct{}
}

func newReceiver() *receiver {
	return &receiver{sig: make(chan struct{})}
}

// push appends one element. Loop side.
func (r *receiver) push(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term != nil && r.term != io.EOF {
		return
	}
	r.q = append(r.q, payload)
	r.signal()
}

// finish sets the terminal state. io.EOF lets buffered elements drain first;
// any other error preempts them.
func (r *receiver) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term != nil {
		return
	}
	r.term = err
	r.signal()
}

func (r *receiver) signal() {
	close(r.sig)
	r.sig = make(chan struct{})
}

// next blocks for the next element. Returns io.EOF on clean completion.
func (r *receiver) next(ctx context.Context) ([]byte, error) {
	for {
		r.mu.Lock()
		if r.term != nil && r.term != io.EOF {
			err := r.term
			r.mu.Unlock()
			return nil, err
		}
		if len(r.q) > 0 {
			p := r.q[0]
			r.q = r.q[1:]
			r.mu.Unlock()
			return p, nil
		}
		if r.term != nil {
			r.mu.Unlock()
			return nil, r.term
		}
		ch := r.sig
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// producerSink is the route.Producer handed to responder stream/channel
// handlers. Next blocks on the stream's outbound credit window.
type producerSink struct {
	s   *Session
	id  uint64
	win *flow.Window
}

func (p *producerSink) Next(ctx context.Context, payload []byte) error {
	if err := p.win.Acquire(ctx); err != nil {
		return err
	}
	return p.s.emitNext(p.id, payload)
}

func (p *producerSink) Complete() { p.s.emitComplete(p.id) }

func (p *producerSink) Error(err error) { p.s.emitError(p.id, err) }

// consumer is the route.Consumer handed to responder channel handlers. It
// re-grants inbound credit in batches as elements are drained.
type consumer struct {
	r     *receiver
	s     *Session
	id    uint64
	batch uint32
	seen  uint32
}

func (c *consumer) Next(ctx context.Context) ([]byte, error) {
	p, err := c.r.next(ctx)
	if err != nil {
		return nil, err
	}
	c.seen++
	if threshold := c.batch/2 + 1; c.seen >= threshold {
		n := c.seen
		c.seen = 0
		c.s.regrant(c.id, n)
	}
	return p, nil
}
