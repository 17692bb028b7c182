package body

import (
	"context"
	"io"
	"iter"
	"sync"
)

// Stream is a single-pass, cancelable sequence of the chunks of a body. It is
// the BufferConsumer a SharedBuffer feeds, and the consumer side pulls from it
// with Next. The buffer never blocks on a Stream: chunks queue up until read,
// and the producer is throttled through the claimed Upstream instead.
type Stream struct {
	upstream  Upstream
	startOnce sync.Once

	mu        sync.Mutex
	queue     [][]byte
	completed bool
	err       error
	cancelled bool
	signal    chan struct{}
}

func newStream(upstream Upstream) *Stream {
	return &Stream{upstream: upstream, signal: make(chan struct{}, 1)}
}

// Add implements BufferConsumer.
func (s *Stream) Add(chunk []byte) {
	s.mu.Lock()
	if s.cancelled || s.completed || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()
	s.notify()
}

// Complete implements BufferConsumer.
func (s *Stream) Complete() {
	s.mu.Lock()
	if s.err == nil {
		s.completed = true
	}
	s.mu.Unlock()
	s.notify()
}

// Error implements BufferConsumer.
func (s *Stream) Error(err error) {
	s.mu.Lock()
	if !s.completed && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Stream) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next returns the next chunk. After the last chunk it returns io.EOF, or the
// error that terminated the body. Chunks received before an error are still
// returned first. The first call starts the upstream; each returned chunk is
// reported back as consumed.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	s.startOnce.Do(s.upstream.Start)
	for {
		s.mu.Lock()
		switch {
		case s.cancelled:
			s.mu.Unlock()
			return nil, ErrCancelled
		case len(s.queue) > 0:
			chunk := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.upstream.OnBytesConsumed(uint64(len(chunk)))
			return chunk, nil
		case s.err != nil:
			err := s.err
			s.mu.Unlock()
			return nil, err
		case s.completed:
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// All iterates over the remaining chunks. Iteration ends after the last chunk,
// or after yielding a non-nil error.
func (s *Stream) All(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			chunk, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Cancel abandons the stream. Queued chunks are dropped and the upstream is
// told to discard everything without waiting for demand.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.queue = nil
	s.mu.Unlock()
	s.notify()

	s.upstream.AllowDiscard()
	s.upstream.DisregardBackpressure()
	s.startOnce.Do(func() {})
	s.upstream.Start()
}

// Reader adapts the stream to io.ReadCloser. ctx bounds every Read.
func (s *Stream) Reader(ctx context.Context) io.ReadCloser {
	return &streamReader{s: s, ctx: ctx}
}

type streamReader struct {
	s    *Stream
	ctx  context.Context
	rest []byte
	eof  bool
}

func (r *streamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.rest) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		chunk, err := r.s.Next(r.ctx)
		if err == io.EOF {
			r.eof = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		r.rest = chunk
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

// Close cancels the stream unless it was read to the end.
func (r *streamReader) Close() error {
	r.rest = nil
	if !r.eof {
		r.s.Cancel()
	}
	return nil
}
