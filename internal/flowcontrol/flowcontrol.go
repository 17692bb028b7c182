package flowcontrol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// MaxWindowSize is the maximum value a flow control window can reach (2^31 - 1).
const MaxWindowSize = (1 << 31) - 1 // As per RFC 7540, 6.9.1

// DefaultInitialWindowSize is the HTTP/2 default initial window (RFC 7540, 6.5.2).
const DefaultInitialWindowSize = 65535

var (
	// ErrDiscarded is returned by Acquire once the consumer allowed a discard;
	// the producer should stop sending.
	ErrDiscarded = errors.New("flowcontrol: consumer discarded the body")
	// ErrWindowClosed is returned by Acquire after Close(nil).
	ErrWindowClosed = errors.New("flowcontrol: window is closed")
)

// Window is the credit gate between a producer goroutine and the consumers of
// a body. It implements body.Upstream: consumers grant credit through
// OnBytesConsumed and the producer takes it with Acquire, which blocks while
// no credit is available.
type Window struct {
	mu   sync.Mutex
	cond *sync.Cond // Signalled when credit becomes available or the window ends.

	available   uint64
	initialSize uint32

	started   bool // Start was called; nothing is sent before that.
	unbounded bool // Backpressure lifted.
	discarded bool
	closed    bool
	err       error
}

// NewWindow creates a window that grants initialSize bytes once started.
func NewWindow(initialSize uint32) *Window {
	if initialSize > MaxWindowSize {
		initialSize = MaxWindowSize
	}
	w := &Window{
		available:   uint64(initialSize),
		initialSize: initialSize,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Available returns the current credit. It is math.MaxUint64 when unbounded.
func (w *Window) Available() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unbounded {
		return math.MaxUint64
	}
	return w.available
}

// Discarded reports whether a consumer allowed the body to be discarded.
func (w *Window) Discarded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.discarded
}

// Acquire blocks until the window is started and has credit, then takes up
// to max bytes of it and returns how many were taken.
func (w *Window) Acquire(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("cannot acquire %d bytes from flow control window", max)
	}
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		switch {
		case w.err != nil:
			return 0, w.err
		case w.closed:
			return 0, ErrWindowClosed
		case w.discarded:
			return 0, ErrDiscarded
		case ctx.Err() != nil:
			return 0, ctx.Err()
		}

		if w.started && w.unbounded {
			return max, nil
		}
		if w.started && w.available > 0 {
			n := uint64(max)
			if n > w.available {
				n = w.available
			}
			w.available -= n
			return int(n), nil
		}
		w.cond.Wait()
	}
}

// Release returns credit taken by Acquire but not used.
func (w *Window) Release(n int) {
	if n <= 0 {
		return
	}
	w.OnBytesConsumed(uint64(n))
}

// Start lets the producer begin sending.
func (w *Window) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		w.started = true
		w.cond.Broadcast()
	}
}

// OnBytesConsumed grants n more bytes of credit; math.MaxUint64 lifts backpressure.
func (w *Window) OnBytesConsumed(n uint64) {
	if n == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if n == math.MaxUint64 {
		w.unbounded = true
	} else if w.available > math.MaxUint64-n {
		w.available = math.MaxUint64
	} else {
		w.available += n
	}
	w.cond.Broadcast()
}

// AllowDiscard makes Acquire fail with ErrDiscarded.
func (w *Window) AllowDiscard() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.discarded {
		w.discarded = true
		w.cond.Broadcast()
	}
}

// DisregardBackpressure lifts the credit limit.
func (w *Window) DisregardBackpressure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.unbounded {
		w.unbounded = true
		w.cond.Broadcast()
	}
}

// Close marks the window as closed, optionally with an error. Waiters in
// Acquire are woken and subsequent calls fail.
func (w *Window) Close(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		if w.err == nil { // Only set the provided error if no prior error exists
			w.err = err
		}
		w.cond.Broadcast()
	}
}
