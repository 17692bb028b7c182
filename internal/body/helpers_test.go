package body

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingUpstream counts the signals a producer would receive.
type recordingUpstream struct {
	mu         sync.Mutex
	starts     int
	consumed   uint64
	calls      []uint64
	discards   int
	disregards int
}

func (u *recordingUpstream) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.starts++
}

func (u *recordingUpstream) OnBytesConsumed(n uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.consumed = satAdd(u.consumed, n)
	u.calls = append(u.calls, n)
}

func (u *recordingUpstream) AllowDiscard() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.discards++
}

func (u *recordingUpstream) DisregardBackpressure() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.disregards++
}

func (u *recordingUpstream) snapshot() recordingUpstream {
	u.mu.Lock()
	defer u.mu.Unlock()
	return recordingUpstream{
		starts:     u.starts,
		consumed:   u.consumed,
		calls:      append([]uint64(nil), u.calls...),
		discards:   u.discards,
		disregards: u.disregards,
	}
}

// recordingConsumer is a BufferConsumer that keeps everything it is given.
type recordingConsumer struct {
	chunks    [][]byte
	completed bool
	err       error
	afterEnd  int // Calls received after Complete or Error.
}

func (c *recordingConsumer) Add(chunk []byte) {
	if c.completed || c.err != nil {
		c.afterEnd++
		return
	}
	c.chunks = append(c.chunks, chunk)
}

func (c *recordingConsumer) Complete() {
	if c.completed || c.err != nil {
		c.afterEnd++
		return
	}
	c.completed = true
}

func (c *recordingConsumer) Error(err error) {
	if c.completed || c.err != nil {
		c.afterEnd++
		return
	}
	c.err = err
}

// countingObserver records the events a metrics collector would see.
type countingObserver struct {
	mu            sync.Mutex
	received      uint64
	retained      int64
	limits        []ErrorCode
	outcomes      []Outcome
	claims        map[string]int
	claimRejected map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{claims: map[string]int{}, claimRejected: map[string]int{}}
}

func (o *countingObserver) BytesReceived(n uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received += n
}

func (o *countingObserver) RetainedBytes(delta int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retained += delta
}

func (o *countingObserver) LimitExceeded(code ErrorCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limits = append(o.limits, code)
}

func (o *countingObserver) BodyFinished(outcome Outcome, _ uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *countingObserver) Claimed(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.claims[op]++
}

func (o *countingObserver) ClaimRejected(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.claimRejected[op]++
}

// readAll pulls every chunk of s until EOF or an error.
func readAll(t *testing.T, s *Stream) ([][]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var chunks [][]byte
	for {
		chunk, err := s.Next(ctx)
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func waitFull(t *testing.T, f *FullBody) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "full body never resolved")
	return data, err
}

func chunkOf(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
