// Package body distributes one asynchronously delivered byte stream (a request
// or response body) to any number of consumers. A SharedBuffer receives chunks
// from the producer, fans them out to streaming subscribers, retains them for
// subscribers that have not attached yet, and enforces size budgets. ByteBody is
// the claim-once handle through which application code consumes a body.
package body

import "math"

// Unbounded passed to Upstream.OnBytesConsumed requests every remaining byte.
const Unbounded uint64 = math.MaxUint64

// Upstream is the flow-control channel from a consumer back toward the byte
// producer. All methods are advisory and must not block.
type Upstream interface {
	// Start signals that the consumer is ready; the producer may begin sending.
	Start()
	// OnBytesConsumed grants the producer room for n more bytes. Unbounded
	// lifts backpressure entirely.
	OnBytesConsumed(n uint64)
	// AllowDiscard tells the producer the consumer no longer needs the data.
	// A producer may still deliver a few chunks afterwards.
	AllowDiscard()
	// DisregardBackpressure lets the producer send without waiting for
	// OnBytesConsumed.
	DisregardBackpressure()
}

// BufferConsumer receives the chunks of a body. Implementations are called from
// inside a serial.Runner and must not block. Complete or Error is always the
// last call a consumer receives.
type BufferConsumer interface {
	// Add delivers a chunk. The consumer owns the slice.
	Add(chunk []byte)
	Complete()
	Error(err error)
}

// NoopUpstream ignores every signal; used for bodies that are already in memory.
type NoopUpstream struct{}

func (NoopUpstream) Start()                 {}
func (NoopUpstream) OnBytesConsumed(uint64) {}
func (NoopUpstream) AllowDiscard()          {}
func (NoopUpstream) DisregardBackpressure() {}

// Limits bounds how much a body may hold. MaxBodySize caps the total number of
// bytes ever accepted; MaxBufferSize caps the bytes retained in memory for
// subscribers that need them later.
type Limits struct {
	MaxBodySize   uint64
	MaxBufferSize uint64
}

// UnlimitedLimits disables both budgets.
func UnlimitedLimits() Limits {
	return Limits{MaxBodySize: math.MaxUint64, MaxBufferSize: math.MaxUint64}
}

// satAdd adds without wrapping past math.MaxUint64.
func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
