// Package flow implements per-stream-per-direction credit accounting. Credits
// are the protocol's sole backpressure mechanism: a producer may not emit more
// elements than it has been granted.
package flow

import (
	"context"
	"fmt"
	"sync"
)

// Violation is a protocol error: more elements consumed than were granted.
// The owning stream is retired with an ERROR frame when one is raised.
type Violation struct {
	Have int64
	Want int64
}

func (v *Violation) Error() string {
	return fmt.Sprintf("flow violation: consuming %d with %d credits", v.Want, v.Have)
}

// Window is a credit counter shared between a producer goroutine and the
// connection loop that grants credit. The zero value is not usable; use NewWindow.
type Window struct {
	mu     sync.Mutex
	credit int64
	avail  chan struct{} // closed-and-replaced signal for waiters
	err    error
	done   bool
}

// NewWindow returns a window holding an initial credit grant.
func NewWindow(initial uint32) *Window {
	return &Window{credit: int64(initial), avail: make(chan struct{})}
}

// Credits returns the currently available credit.
func (w *Window) Credits() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.credit
}

// Grant adds n credits and wakes any blocked producer.
func (w *Window) Grant(n uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.credit += int64(n)
	w.signal()
}

// Acquire blocks until one credit is available, then consumes it. Returns the
// close error if the window was closed, or ctx.Err() on cancellation. This is
// a logical pause for the producer; it resumes automatically on Grant.
func (w *Window) Acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.done {
			err := w.err
			w.mu.Unlock()
			return err
		}
		if w.credit > 0 {
			w.credit--
			w.mu.Unlock()
			return nil
		}
		ch := w.avail
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// TryConsume removes n credits without blocking. Used on the receive side to
// police a peer that emits beyond its grant.
func (w *Window) TryConsume(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return w.err
	}
	if w.credit < int64(n) {
		return &Violation{Have: w.credit, Want: int64(n)}
	}
	w.credit -= int64(n)
	return nil
}

// Close terminates the window; blocked and future Acquire calls return err.
func (w *Window) Close(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	w.err = err
	w.signal()
}

// signal wakes waiters. Caller holds w.mu.
func (w *Window) signal() {
	close(w.avail)
	w.avail = make(chan struct{})
}
