package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/bytebody/internal/body"
	"example.com/bytebody/internal/flowcontrol"
	"example.com/bytebody/internal/logger"
)

// defaultHeaderTableSize is the HPACK dynamic table size before SETTINGS (RFC 7540, 6.5.2).
const defaultHeaderTableSize = 4096

// H2Option configures an H2Source.
type H2Option func(*H2Source)

// WithConnWindow makes the source also account for the connection-level
// receive window, returning credit on stream ID 0 as bytes are consumed.
func WithConnWindow(rw *flowcontrol.ReceiveWindow) H2Option {
	return func(s *H2Source) { s.connWindow = rw }
}

// WithWriteMutex shares a lock with other writers of the same framer.
func WithWriteMutex(mu *sync.Mutex) H2Option {
	return func(s *H2Source) {
		if mu != nil {
			s.writeMu = mu
		}
	}
}

// H2Source feeds the request body of one HTTP/2 stream into a body. Consumer
// demand is translated into WINDOW_UPDATE frames, a discard into RST_STREAM.
type H2Source struct {
	streamID   uint32
	fr         *http2.Framer
	writeMu    *sync.Mutex
	buf        *body.SharedBuffer
	window     *flowcontrol.ReceiveWindow
	connWindow *flowcontrol.ReceiveWindow
	log        *logger.Logger

	mu          sync.Mutex
	headersSeen bool
	ended       bool // END_STREAM received.
	reset       bool // RST_STREAM sent or received.
	unbounded   bool // Consumers lifted backpressure; credit on receipt.
	connPending uint64
}

// NewH2Source creates the source for streamID and the handle of its body.
// The framer must not be read by anyone else while Serve runs. If the framer
// has no header decoder one is installed, so HEADERS arrive as MetaHeadersFrames.
func NewH2Source(fr *http2.Framer, streamID uint32, settings Settings, opts ...H2Option) (*H2Source, *body.ByteBody) {
	if fr.ReadMetaHeaders == nil {
		fr.ReadMetaHeaders = hpack.NewDecoder(defaultHeaderTableSize, nil)
	}
	s := &H2Source{
		streamID: streamID,
		fr:       fr,
		writeMu:  &sync.Mutex{},
		window:   flowcontrol.NewReceiveWindow(streamID, settings.InitialWindow),
		log:      settings.Logger.With(logger.LogFields{"stream_id": streamID}),
	}
	for _, opt := range opts {
		opt(s)
	}
	var bb *body.ByteBody
	s.buf, bb = body.New(settings.Limits, h2Upstream{s}, settings.BodyOptions...)
	return s, bb
}

// Buffer returns the shared buffer the source writes to.
func (s *H2Source) Buffer() *body.SharedBuffer {
	return s.buf
}

// Done reports whether the stream can deliver no more frames to the body.
func (s *H2Source) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended || s.reset
}

// Serve reads frames until the stream ends, is reset, or ctx is cancelled.
// Frames of other streams are skipped. ReadFrame cannot be interrupted, so
// cancelling ctx takes effect at the next frame boundary.
func (s *H2Source) Serve(ctx context.Context) error {
	for !s.Done() {
		if err := ctx.Err(); err != nil {
			s.buf.Error(err)
			return err
		}
		f, err := s.fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.log.Warn("Failed to read frame", logger.LogFields{"error": err.Error()})
			s.buf.Error(err)
			return err
		}
		if f.Header().StreamID != s.streamID {
			continue
		}
		if err := s.HandleFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// HandleFrame applies one frame of the source's stream.
func (s *H2Source) HandleFrame(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		return s.handleHeaders(f)
	case *http2.DataFrame:
		return s.handleData(f)
	case *http2.RSTStreamFrame:
		s.handleReset(f)
		return nil
	default:
		s.log.Debug("Ignoring frame", logger.LogFields{"type": f.Header().Type.String()})
		return nil
	}
}

func (s *H2Source) handleHeaders(f *http2.MetaHeadersFrame) error {
	s.mu.Lock()
	if s.ended || s.reset {
		s.mu.Unlock()
		return s.resetStream(http2.ErrCodeStreamClosed, errors.New("HEADERS on closed stream"))
	}
	trailers := s.headersSeen
	s.headersSeen = true
	s.mu.Unlock()

	if trailers && !f.StreamEnded() {
		return s.resetStream(http2.ErrCodeProtocol, errors.New("trailers without END_STREAM"))
	}
	if !trailers {
		cl, ok, err := contentLength(f.RegularFields())
		if err != nil {
			return s.resetStream(http2.ErrCodeProtocol, err)
		}
		if ok {
			if f.StreamEnded() && cl != 0 {
				return s.resetStream(http2.ErrCodeProtocol,
					fmt.Errorf("HEADERS with END_STREAM and non-zero content-length (%d)", cl))
			}
			s.buf.SetExpectedLength(cl)
		}
	}
	if f.StreamEnded() {
		s.endStream()
	}
	return nil
}

func contentLength(fields []hpack.HeaderField) (uint64, bool, error) {
	var (
		value string
		found bool
	)
	for _, hf := range fields {
		if hf.Name != "content-length" {
			continue
		}
		if found && hf.Value != value {
			return 0, false, fmt.Errorf("conflicting content-length values %q and %q", value, hf.Value)
		}
		value, found = hf.Value, true
	}
	if !found {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(value, 10, 63)
	if err != nil {
		return 0, false, fmt.Errorf("invalid content-length %q", value)
	}
	return n, true, nil
}

func (s *H2Source) handleData(f *http2.DataFrame) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return s.resetStream(http2.ErrCodeStreamClosed, errors.New("DATA after END_STREAM"))
	}
	if !s.headersSeen {
		s.mu.Unlock()
		return s.resetStream(http2.ErrCodeProtocol, errors.New("DATA before HEADERS"))
	}
	s.mu.Unlock()

	length := f.Header().Length // Padding counts against flow control.
	if s.connWindow != nil {
		if err := s.receivedOnConn(length); err != nil {
			s.log.Error("Connection flow control error on receive", logger.LogFields{
				"data_len": length,
				"error":    err.Error(),
			})
			s.buf.Error(err)
			return err
		}
	}
	inc, err := s.window.Received(length)
	if err != nil {
		s.log.Error("Stream flow control error on receive", logger.LogFields{
			"data_len": length,
			"window":   s.window.Advertised(),
			"error":    err.Error(),
		})
		return s.resetStream(http2.ErrCodeFlowControl, err)
	}
	if inc > 0 {
		s.writeWindowUpdate(s.streamID, inc)
	}

	data := f.Data()
	if pad := uint64(length) - uint64(len(data)); pad > 0 {
		s.consumed(pad)
	}

	s.mu.Lock()
	reset := s.reset
	s.mu.Unlock()
	if reset {
		// In flight when we reset; the peer stops once it sees RST_STREAM.
		s.creditConn(uint64(len(data)))
		return nil
	}

	if len(data) > 0 {
		// The payload is only valid until the next ReadFrame.
		s.buf.Add(append([]byte(nil), data...))
	}
	if f.StreamEnded() {
		s.endStream()
	}
	return nil
}

func (s *H2Source) endStream() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.buf.Complete()
}

func (s *H2Source) handleReset(f *http2.RSTStreamFrame) {
	s.mu.Lock()
	s.reset = true
	pending := s.connPending
	s.connPending = 0
	s.mu.Unlock()

	s.log.Debug("Stream reset by peer", logger.LogFields{"error_code": f.ErrCode.String()})
	s.returnConnCredit(pending)
	s.buf.Error(http2.StreamError{StreamID: s.streamID, Code: f.ErrCode})
}

// resetStream sends RST_STREAM with code and fails the body.
func (s *H2Source) resetStream(code http2.ErrCode, cause error) error {
	err := http2.StreamError{StreamID: s.streamID, Code: code, Cause: cause}
	s.mu.Lock()
	alreadyReset := s.reset
	s.reset = true
	pending := s.connPending
	s.connPending = 0
	s.mu.Unlock()

	if !alreadyReset {
		s.log.Warn("Resetting stream", logger.LogFields{
			"error_code": code.String(),
			"cause":      cause.Error(),
		})
		s.writeRSTStream(code)
	}
	s.returnConnCredit(pending)
	s.buf.Error(err)
	return err
}

func (s *H2Source) receivedOnConn(length uint32) error {
	inc, err := s.connWindow.Received(length)
	if err != nil {
		return err
	}
	if inc > 0 {
		s.writeWindowUpdate(0, inc)
	}
	s.mu.Lock()
	unbounded := s.unbounded
	if !unbounded {
		s.connPending += uint64(length)
	}
	s.mu.Unlock()
	if unbounded {
		s.returnConnCredit(uint64(length))
	}
	return nil
}

// consumed acknowledges n bytes on the stream and, for bytes this stream
// received, on the connection.
func (s *H2Source) consumed(n uint64) {
	if n == body.Unbounded {
		s.disregard()
		return
	}
	s.mu.Lock()
	stop := s.ended || s.reset
	s.mu.Unlock()

	if !stop {
		if inc := s.window.Consumed(n); inc > 0 {
			s.writeWindowUpdate(s.streamID, inc)
		}
	}
	s.creditConn(n)
}

func (s *H2Source) creditConn(n uint64) {
	if s.connWindow == nil {
		return
	}
	s.mu.Lock()
	credit := min(n, s.connPending)
	s.connPending -= credit
	s.mu.Unlock()
	s.returnConnCredit(credit)
}

func (s *H2Source) returnConnCredit(n uint64) {
	if s.connWindow == nil || n == 0 {
		return
	}
	if inc := s.connWindow.Consumed(n); inc > 0 {
		s.writeWindowUpdate(0, inc)
	}
}

func (s *H2Source) disregard() {
	s.mu.Lock()
	s.unbounded = true
	stop := s.ended || s.reset
	pending := s.connPending
	s.connPending = 0
	s.mu.Unlock()

	if !stop {
		if inc := s.window.Disregard(); inc > 0 {
			s.writeWindowUpdate(s.streamID, inc)
		}
	}
	s.returnConnCredit(pending)
}

func (s *H2Source) discard() {
	s.mu.Lock()
	stop := s.ended || s.reset
	s.mu.Unlock()
	if stop {
		return
	}
	s.resetStream(http2.ErrCodeCancel, body.ErrCancelled)
}

func (s *H2Source) writeWindowUpdate(streamID, inc uint32) {
	s.writeMu.Lock()
	err := s.fr.WriteWindowUpdate(streamID, inc)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Error("Failed to send WINDOW_UPDATE frame", logger.LogFields{
			"window_stream_id": streamID,
			"increment":        inc,
			"error":            err.Error(),
		})
	}
}

func (s *H2Source) writeRSTStream(code http2.ErrCode) {
	s.writeMu.Lock()
	err := s.fr.WriteRSTStream(s.streamID, code)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Error("Failed to send RST_STREAM frame", logger.LogFields{
			"error_code": code.String(),
			"error":      err.Error(),
		})
	}
}

// h2Upstream is the body's channel back to the peer.
type h2Upstream struct{ s *H2Source }

// Start is a no-op: the initial window was advertised in SETTINGS.
func (u h2Upstream) Start()                   {}
func (u h2Upstream) OnBytesConsumed(n uint64) { u.s.consumed(n) }
func (u h2Upstream) AllowDiscard()            { u.s.discard() }
func (u h2Upstream) DisregardBackpressure()   { u.s.disregard() }
