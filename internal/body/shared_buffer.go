package body

import (
	"sync"
	"sync/atomic"

	"example.com/bytebody/internal/logger"
	"example.com/bytebody/internal/serial"
)

// bufferState is the lifecycle of a SharedBuffer. Once it leaves stateActive it
// never returns.
type bufferState uint8

const (
	stateActive bufferState = iota
	stateComplete
	stateErrored
)

func (s bufferState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateComplete:
		return "complete"
	case stateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type fullSubscriber struct {
	target   *FullBody
	upstream Upstream
}

// Option configures a SharedBuffer.
type Option func(*SharedBuffer)

// WithRunner makes the buffer serialize its work on r, e.g. a runner shared by
// every body of one connection.
func WithRunner(r *serial.Runner) Option {
	return func(b *SharedBuffer) { b.runner = r }
}

// WithLogger sets the logger for limit violations and protocol misuse.
func WithLogger(l *logger.Logger) Option {
	return func(b *SharedBuffer) { b.log = l }
}

// WithObserver installs accounting hooks, e.g. a metrics collector.
func WithObserver(o Observer) Option {
	return func(b *SharedBuffer) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithClaimTracking records the stack of each claim so a second claim can
// report where the first one happened.
func WithClaimTracking(enabled bool) Option {
	return func(b *SharedBuffer) { b.trackClaims = enabled }
}

// SharedBuffer is the distributor for one physical body. Producer calls (Add,
// Complete, Error, SetExpectedLength) and consumer calls made through ByteBody
// are all funneled through a serial.Runner, so the runner-owned fields are
// only ever touched by one task at a time and no caller blocks.
//
// SharedBuffer implements BufferConsumer, so a producer can treat it as one.
type SharedBuffer struct {
	runner      *serial.Runner
	log         *logger.Logger
	observer    Observer
	trackClaims bool
	limits      Limits
	root        Upstream

	// Owned by the runner.
	state       bufferState
	err         error
	lengthSoFar uint64
	expected    uint64
	hasExpected bool
	// reserved counts handles that will each end in exactly one subscribe call.
	reserved        uint32
	subscribers     []BufferConsumer
	fullSubscribers []fullSubscriber
	buffer          [][]byte
	bufferedBytes   uint64
	// bufferLimitErr is sticky: once set, nothing more is retained.
	bufferLimitErr error

	// suppressed collects errors reported after the first one.
	suppressedMu sync.Mutex
	suppressed   []error

	// Mirrors for readers outside the runner.
	lengthView   atomic.Uint64
	expectedView atomic.Uint64
	expectedSet  atomic.Bool
}

// NewSharedBuffer creates a buffer holding the single initial reservation of
// the body's owner. root is the channel back to the producer; the buffer only
// uses it to ask for a discard when the body turns out to be invalid.
func NewSharedBuffer(limits Limits, root Upstream, opts ...Option) *SharedBuffer {
	if root == nil {
		root = NoopUpstream{}
	}
	b := &SharedBuffer{
		limits:   limits,
		root:     root,
		observer: nopObserver{},
		reserved: 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.runner == nil {
		b.runner = serial.NewRunner(b.log)
	}
	return b
}

// Limits returns the budgets this buffer enforces.
func (b *SharedBuffer) Limits() Limits {
	return b.limits
}

// Add hands chunk to the buffer; the buffer takes ownership of the slice.
func (b *SharedBuffer) Add(chunk []byte) {
	b.runner.Submit(func() { b.add(chunk) })
}

// Complete marks the end of the body.
func (b *SharedBuffer) Complete() {
	b.runner.Submit(b.complete)
}

// Error terminates the body with err. The first error wins.
func (b *SharedBuffer) Error(err error) {
	b.runner.Submit(func() { b.fail(err) })
}

// SetExpectedLength records a length hint such as a Content-Length header.
func (b *SharedBuffer) SetExpectedLength(n uint64) {
	b.runner.Submit(func() { b.setExpectedLength(n) })
}

// ExpectedLength returns the declared length, or the final length once the
// body completed.
func (b *SharedBuffer) ExpectedLength() (uint64, bool) {
	if !b.expectedSet.Load() {
		return 0, false
	}
	return b.expectedView.Load(), true
}

// LengthSoFar returns the number of bytes accepted so far.
func (b *SharedBuffer) LengthSoFar() uint64 {
	return b.lengthView.Load()
}

// Suppressed returns the errors reported after the body had already failed,
// in the order they arrived.
func (b *SharedBuffer) Suppressed() []error {
	b.suppressedMu.Lock()
	defer b.suppressedMu.Unlock()
	return append([]error(nil), b.suppressed...)
}

func (b *SharedBuffer) publishExpected(n uint64) {
	b.expectedView.Store(n)
	b.expectedSet.Store(true)
}

func (b *SharedBuffer) add(chunk []byte) {
	if b.state != stateActive {
		b.log.Debug("Dropping chunk received after body terminated", logger.LogFields{
			"state": b.state.String(),
			"bytes": len(chunk),
		})
		return
	}
	n := uint64(len(chunk))
	if n == 0 {
		return
	}

	newLength := satAdd(b.lengthSoFar, n)
	if b.hasExpected && newLength > b.expected {
		b.failFatal(NewIncorrectLengthError(b.expected, newLength))
		return
	}
	if newLength > b.limits.MaxBodySize {
		b.failFatal(NewContentLengthExceededError(b.limits.MaxBodySize, newLength))
		return
	}
	b.lengthSoFar = newLength
	b.lengthView.Store(newLength)
	b.observer.BytesReceived(n)

	retain := b.needsRetention()
	last := len(b.subscribers) - 1
	for i, s := range b.subscribers {
		if i == last && !retain {
			s.Add(chunk)
		} else {
			s.Add(clone(chunk))
		}
	}
	if retain {
		b.retain(chunk)
	}
}

func (b *SharedBuffer) needsRetention() bool {
	return b.reserved > 0 || len(b.fullSubscribers) > 0
}

func (b *SharedBuffer) retain(chunk []byte) {
	if b.bufferLimitErr != nil {
		return
	}
	n := uint64(len(chunk))
	if total := satAdd(b.bufferedBytes, n); total > b.limits.MaxBufferSize {
		b.exceedBufferLimit(total)
		return
	}
	b.buffer = append(b.buffer, chunk)
	b.bufferedBytes += n
	b.observer.RetainedBytes(int64(n))
}

// exceedBufferLimit drops everything retained and fails the consumers that
// need the whole body. Streaming subscribers keep receiving chunks.
func (b *SharedBuffer) exceedBufferLimit(total uint64) {
	err := NewBufferLengthExceededError(b.limits.MaxBufferSize, total)
	b.bufferLimitErr = err
	b.discardBuffer()
	b.observer.LimitExceeded(ErrCodeBufferLengthExceeded)
	b.log.Warn("Body buffer limit exceeded", logger.LogFields{
		"max_buffer_size":  b.limits.MaxBufferSize,
		"buffered":         total,
		"full_subscribers": len(b.fullSubscribers),
	})

	full := b.fullSubscribers
	b.fullSubscribers = nil
	for _, fs := range full {
		fs.target.resolve(nil, err)
		if fs.upstream != nil {
			fs.upstream.AllowDiscard()
		}
	}
}

func (b *SharedBuffer) complete() {
	if b.state != stateActive {
		return
	}
	if b.hasExpected && b.lengthSoFar != b.expected {
		b.failFatal(NewIncorrectLengthError(b.expected, b.lengthSoFar))
		return
	}
	b.state = stateComplete
	b.expected = b.lengthSoFar
	b.hasExpected = true
	b.publishExpected(b.lengthSoFar)

	subs := b.subscribers
	b.subscribers = nil
	for _, s := range subs {
		s.Complete()
	}

	full := b.fullSubscribers
	b.fullSubscribers = nil
	if b.bufferLimitErr == nil {
		for i, fs := range full {
			move := i == len(full)-1 && b.reserved == 0
			fs.target.resolve(b.retained(move), nil)
		}
	}
	if b.reserved == 0 {
		b.discardBuffer()
	}
	b.observer.BodyFinished(OutcomeComplete, b.lengthSoFar)
}

// failFatal terminates the body for every consumer and asks the producer to stop.
func (b *SharedBuffer) failFatal(err *BodyError) {
	b.observer.LimitExceeded(err.Code)
	b.log.Warn("Body failed", logger.LogFields{
		"code":   err.Code.String(),
		"limit":  err.Limit,
		"actual": err.Actual,
	})
	b.fail(err)
	b.root.AllowDiscard()
}

func (b *SharedBuffer) fail(err error) {
	if err == nil {
		err = newIllegalStateError("body failed without an error")
	}
	switch b.state {
	case stateErrored:
		b.suppressedMu.Lock()
		b.suppressed = append(b.suppressed, err)
		b.suppressedMu.Unlock()
		b.log.Debug("Suppressed secondary body error", logger.LogFields{
			"error":   err.Error(),
			"primary": b.err.Error(),
		})
		return
	case stateComplete:
		b.log.Debug("Ignoring error after body completed", logger.LogFields{"error": err.Error()})
		return
	}
	b.state = stateErrored
	b.err = err
	b.discardBuffer()

	subs := b.subscribers
	b.subscribers = nil
	for _, s := range subs {
		s.Error(err)
	}
	full := b.fullSubscribers
	b.fullSubscribers = nil
	for _, fs := range full {
		fs.target.resolve(nil, err)
	}
	b.observer.BodyFinished(OutcomeError, b.lengthSoFar)
}

func (b *SharedBuffer) setExpectedLength(n uint64) {
	if b.state != stateActive {
		return
	}
	if b.hasExpected && b.expected != n {
		b.failFatal(NewIncorrectLengthError(b.expected, n))
		return
	}
	if n < b.lengthSoFar {
		b.failFatal(NewIncorrectLengthError(n, b.lengthSoFar))
		return
	}
	if n > b.limits.MaxBodySize {
		b.failFatal(NewContentLengthExceededError(b.limits.MaxBodySize, n))
		return
	}
	b.expected = n
	b.hasExpected = true
	b.publishExpected(n)
	if n > b.limits.MaxBufferSize && len(b.fullSubscribers) > 0 {
		// The whole body can never be held. Streaming consumers are unaffected and
		// retention continues until the retained bytes themselves exceed the budget.
		full := b.fullSubscribers
		b.fullSubscribers = nil
		for _, fs := range full {
			b.rejectFull(fs.target, fs.upstream)
		}
	}
}

// declaredTooLarge reports whether the declared length rules out materializing the body.
func (b *SharedBuffer) declaredTooLarge() bool {
	return b.hasExpected && b.expected > b.limits.MaxBufferSize
}

// rejectFull fails a full subscriber whose body is declared larger than the buffer budget.
func (b *SharedBuffer) rejectFull(target *FullBody, upstream Upstream) {
	b.observer.LimitExceeded(ErrCodeBufferLengthExceeded)
	b.log.Warn("Declared body length exceeds buffer limit", logger.LogFields{
		"max_buffer_size": b.limits.MaxBufferSize,
		"expected":        b.expected,
	})
	target.resolve(nil, NewBufferLengthExceededError(b.limits.MaxBufferSize, b.expected))
	if upstream != nil {
		upstream.AllowDiscard()
	}
}

func (b *SharedBuffer) reserve() {
	if b.reserved == 0 {
		b.log.Error("Reservation requested after all reservations were redeemed", logger.LogFields{
			"state": b.state.String(),
		})
		return
	}
	b.reserved++
}

// subscribe redeems one reservation. A nil consumer cancels the reservation.
func (b *SharedBuffer) subscribe(consumer BufferConsumer, upstream Upstream) {
	if !b.redeem() {
		if consumer != nil {
			consumer.Error(newIllegalStateError("subscribe without an outstanding reservation"))
		}
		return
	}
	last := b.reserved == 0 && len(b.fullSubscribers) == 0
	if consumer == nil {
		if last {
			b.discardBuffer()
		}
		return
	}

	switch {
	case b.state == stateErrored:
		consumer.Error(b.err)
		return
	case b.bufferLimitErr != nil && b.lengthSoFar > 0:
		// Bytes this subscriber never saw were dropped with the buffer.
		consumer.Error(b.bufferLimitErr)
		if upstream != nil {
			upstream.AllowDiscard()
		}
		if last {
			b.discardBuffer()
		}
		return
	}

	if last {
		chunks := b.buffer
		b.buffer = nil
		b.observer.RetainedBytes(-int64(b.bufferedBytes))
		b.bufferedBytes = 0
		for _, c := range chunks {
			consumer.Add(c)
		}
	} else {
		for _, c := range b.buffer {
			consumer.Add(clone(c))
		}
	}

	if b.state == stateComplete {
		consumer.Complete()
		return
	}
	b.subscribers = append(b.subscribers, consumer)
}

// subscribeFull redeems one reservation for a consumer that wants the whole body.
func (b *SharedBuffer) subscribeFull(target *FullBody, upstream Upstream) {
	if !b.redeem() {
		target.resolve(nil, newIllegalStateError("subscribe without an outstanding reservation"))
		return
	}
	switch {
	case b.state == stateErrored:
		target.resolve(nil, b.err)
	case b.bufferLimitErr != nil:
		target.resolve(nil, b.bufferLimitErr)
		if upstream != nil {
			upstream.AllowDiscard()
		}
		if b.reserved == 0 && len(b.fullSubscribers) == 0 {
			b.discardBuffer()
		}
	case b.state == stateComplete:
		move := b.reserved == 0 && len(b.fullSubscribers) == 0
		target.resolve(b.retained(move), nil)
	case b.declaredTooLarge():
		b.rejectFull(target, upstream)
		if b.reserved == 0 && len(b.fullSubscribers) == 0 {
			b.discardBuffer()
		}
	default:
		b.fullSubscribers = append(b.fullSubscribers, fullSubscriber{target: target, upstream: upstream})
	}
}

func (b *SharedBuffer) redeem() bool {
	if b.reserved == 0 {
		b.log.Error("Subscribe without an outstanding reservation", logger.LogFields{
			"state": b.state.String(),
		})
		return false
	}
	b.reserved--
	return true
}

// retained returns the buffered body as one slice. With move set the buffer
// is handed over instead of copied.
func (b *SharedBuffer) retained(move bool) []byte {
	var out []byte
	switch {
	case move && len(b.buffer) == 1:
		out = b.buffer[0]
	default:
		out = make([]byte, 0, b.bufferedBytes)
		for _, c := range b.buffer {
			out = append(out, c...)
		}
	}
	if move {
		b.discardBuffer()
	}
	return out
}

func (b *SharedBuffer) discardBuffer() {
	if b.bufferedBytes > 0 {
		b.observer.RetainedBytes(-int64(b.bufferedBytes))
	}
	b.buffer = nil
	b.bufferedBytes = 0
}

func clone(chunk []byte) []byte {
	return append([]byte(nil), chunk...)
}
