package body

import (
	"context"
	"io"
	"runtime/debug"
	"sync"
)

// ByteBody is the claim-once handle to a body. Every consuming operation
// (ToStream, ToReader, DrainFull, Move, Close) takes the handle's Upstream;
// afterwards the handle is spent and further claims fail with
// ErrAlreadyClaimed. Split hands out a second handle without claiming.
type ByteBody struct {
	buf *SharedBuffer

	mu        sync.Mutex
	upstream  Upstream
	claimSite string
}

// New creates the shared buffer for one body together with the handle of its
// owner. The producer drives the returned SharedBuffer; root is how the body
// signals back to it.
func New(limits Limits, root Upstream, opts ...Option) (*SharedBuffer, *ByteBody) {
	buf := NewSharedBuffer(limits, root, opts...)
	return buf, &ByteBody{buf: buf, upstream: buf.root}
}

// FromBytes wraps data, which must not be modified afterwards, as a complete body.
func FromBytes(data []byte, opts ...Option) *ByteBody {
	n := uint64(len(data))
	buf, bb := New(Limits{MaxBodySize: n, MaxBufferSize: n}, NoopUpstream{}, opts...)
	buf.SetExpectedLength(n)
	buf.Add(data)
	buf.Complete()
	return bb
}

// Empty returns a complete body with no bytes.
func Empty(opts ...Option) *ByteBody {
	return FromBytes(nil, opts...)
}

// ExpectedLength returns the declared or final length, if known.
func (bb *ByteBody) ExpectedLength() (uint64, bool) {
	return bb.buf.ExpectedLength()
}

// Claimed reports whether the handle has been consumed.
func (bb *ByteBody) Claimed() bool {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.upstream == nil
}

func (bb *ByteBody) claim(op string) (Upstream, error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.claimLocked(op)
}

func (bb *ByteBody) claimLocked(op string) (Upstream, error) {
	if bb.upstream == nil {
		bb.buf.observer.ClaimRejected(op)
		return nil, newAlreadyClaimedError(op, bb.claimSite)
	}
	up := bb.upstream
	bb.upstream = nil
	if bb.buf.trackClaims {
		bb.claimSite = string(debug.Stack())
	}
	bb.buf.observer.Claimed(op)
	return up, nil
}

// ToStream claims the body and returns its chunks as a lazy Stream.
func (bb *ByteBody) ToStream() (*Stream, error) {
	up, err := bb.claim("stream")
	if err != nil {
		return nil, err
	}
	s := newStream(up)
	bb.buf.runner.Submit(func() { bb.buf.subscribe(s, up) })
	return s, nil
}

// ToReader claims the body and returns it as an io.ReadCloser. Closing the
// reader before EOF discards the rest of the body.
func (bb *ByteBody) ToReader(ctx context.Context) (io.ReadCloser, error) {
	s, err := bb.ToStream()
	if err != nil {
		return nil, err
	}
	return s.Reader(ctx), nil
}

// DrainFull claims the body, lifts backpressure and returns the pending
// materialized body.
func (bb *ByteBody) DrainFull() (*FullBody, error) {
	up, err := bb.claim("drain")
	if err != nil {
		return nil, err
	}
	up.Start()
	up.OnBytesConsumed(Unbounded)
	f := newFullBody()
	bb.buf.runner.Submit(func() { bb.buf.subscribeFull(f, up) })
	return f, nil
}

// Split forks the body. The receiver stays unclaimed and the returned handle
// reads the same bytes; the two share the upstream through a Balancer.
func (bb *ByteBody) Split(mode SplitMode) (*ByteBody, error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.upstream == nil {
		bb.buf.observer.ClaimRejected("split")
		return nil, newAlreadyClaimedError("split", bb.claimSite)
	}
	left, right := NewBalancer(bb.upstream, mode)
	bb.upstream = left
	// Queued under the lock so it runs before any subscribe from either handle.
	bb.buf.runner.Submit(bb.buf.reserve)
	return &ByteBody{buf: bb.buf, upstream: right}, nil
}

// Move transfers the claim to a fresh handle and spends the receiver.
func (bb *ByteBody) Move() (*ByteBody, error) {
	up, err := bb.claim("move")
	if err != nil {
		return nil, err
	}
	return &ByteBody{buf: bb.buf, upstream: up}, nil
}

// AllowDiscard passes a discard hint upstream without claiming the body.
func (bb *ByteBody) AllowDiscard() {
	bb.mu.Lock()
	up := bb.upstream
	bb.mu.Unlock()
	if up != nil {
		up.AllowDiscard()
	}
}

// Close releases an unwanted body so it is discarded as fast as possible.
// Closing an already claimed handle does nothing.
func (bb *ByteBody) Close() error {
	bb.mu.Lock()
	if bb.upstream == nil {
		bb.mu.Unlock()
		return nil
	}
	up, _ := bb.claimLocked("close")
	bb.mu.Unlock()

	up.AllowDiscard()
	up.DisregardBackpressure()
	up.Start()
	bb.buf.runner.Submit(func() { bb.buf.subscribe(nil, up) })
	return nil
}
