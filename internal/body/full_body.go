package body

import (
	"context"
	"sync"
)

// FullBody is the pending result of ByteBody.DrainFull: the whole body as one
// slice, or the error that prevented it.
type FullBody struct {
	once sync.Once
	done chan struct{}
	data []byte
	err  error
}

func newFullBody() *FullBody {
	return &FullBody{done: make(chan struct{})}
}

func (f *FullBody) resolve(data []byte, err error) {
	f.once.Do(func() {
		f.data, f.err = data, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *FullBody) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the body is materialized or ctx ends.
func (f *FullBody) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready reports whether the result is available.
func (f *FullBody) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
