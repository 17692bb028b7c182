package source

import (
	"context"
	"errors"
	"io"

	"example.com/bytebody/internal/body"
	"example.com/bytebody/internal/flowcontrol"
	"example.com/bytebody/internal/logger"
)

// ReaderSource pumps an io.Reader into a body. It reads only as much as the
// body's consumers have made room for.
type ReaderSource struct {
	r         io.Reader
	buf       *body.SharedBuffer
	window    *flowcontrol.Window
	chunkSize int
	log       *logger.Logger
}

// NewReaderSource creates the source and the handle of the body it produces.
// Nothing is read until Run is called and a consumer starts the body.
func NewReaderSource(r io.Reader, settings Settings) (*ReaderSource, *body.ByteBody) {
	window := flowcontrol.NewWindow(settings.InitialWindow)
	buf, bb := body.New(settings.Limits, window, settings.BodyOptions...)
	return &ReaderSource{
		r:         r,
		buf:       buf,
		window:    window,
		chunkSize: settings.chunkSize(),
		log:       settings.Logger,
	}, bb
}

// Buffer returns the shared buffer the source writes to.
func (s *ReaderSource) Buffer() *body.SharedBuffer {
	return s.buf
}

// Run reads until EOF, a read error, cancellation of ctx, or until every
// consumer discarded the body. A discard is not an error.
func (s *ReaderSource) Run(ctx context.Context) error {
	for {
		n, err := s.window.Acquire(ctx, s.chunkSize)
		if err != nil {
			if errors.Is(err, flowcontrol.ErrDiscarded) {
				s.log.Debug("Reader source stopped, body discarded", logger.LogFields{
					"bytes_read": s.buf.LengthSoFar(),
				})
				return nil
			}
			s.buf.Error(err)
			return err
		}

		chunk := make([]byte, n)
		read, rerr := s.r.Read(chunk)
		if read < n {
			s.window.Release(n - read)
		}
		if read > 0 {
			s.buf.Add(chunk[:read:read])
		}
		switch {
		case rerr == io.EOF:
			s.buf.Complete()
			return nil
		case rerr != nil:
			s.log.Warn("Reader source failed", logger.LogFields{
				"error":      rerr.Error(),
				"bytes_read": s.buf.LengthSoFar(),
			})
			s.buf.Error(rerr)
			return rerr
		}
	}
}
