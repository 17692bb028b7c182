package body

import (
	"fmt"
	"sync"
)

// SplitMode decides how the demand of two split halves is combined before it
// is forwarded to the shared upstream.
type SplitMode uint8

const (
	// SplitSlowest forwards only what both halves consumed (the minimum), so
	// the faster half waits for the slower one.
	SplitSlowest SplitMode = iota
	// SplitStrict forwards the sum of both halves' demand.
	SplitStrict
	// SplitFastest forwards the maximum; the slower half's bytes pile up in
	// the shared buffer.
	SplitFastest
)

// String returns the string representation of the SplitMode.
func (m SplitMode) String() string {
	switch m {
	case SplitSlowest:
		return "SLOWEST"
	case SplitStrict:
		return "STRICT"
	case SplitFastest:
		return "FASTEST"
	default:
		return fmt.Sprintf("UNKNOWN_SPLIT_MODE_%d", uint8(m))
	}
}

// Balancer shares one parent Upstream between two views. Each view tracks the
// bytes its consumer has acknowledged; the balancer forwards the growth of the
// combined figure to the parent, so forwarded demand never shrinks.
type Balancer struct {
	mu     sync.Mutex
	parent Upstream
	mode   SplitMode

	consumed    [2]uint64
	discarded   [2]bool
	disregarded [2]bool
	forwarded   uint64
	started     bool
}

type balancerView struct {
	b    *Balancer
	side int
}

// NewBalancer splits parent into two Upstream views combined according to mode.
func NewBalancer(parent Upstream, mode SplitMode) (left, right Upstream) {
	b := &Balancer{parent: parent, mode: mode}
	return &balancerView{b: b, side: 0}, &balancerView{b: b, side: 1}
}

func (v *balancerView) Start()                   { v.b.start() }
func (v *balancerView) OnBytesConsumed(n uint64) { v.b.onBytesConsumed(v.side, n) }
func (v *balancerView) AllowDiscard()            { v.b.allowDiscard(v.side) }
func (v *balancerView) DisregardBackpressure()   { v.b.disregardBackpressure(v.side) }

func (b *Balancer) start() {
	b.mu.Lock()
	first := !b.started
	b.started = true
	b.mu.Unlock()
	if first {
		b.parent.Start()
	}
}

func (b *Balancer) onBytesConsumed(side int, n uint64) {
	b.mu.Lock()
	if b.discarded[side] {
		b.mu.Unlock()
		return
	}
	b.consumed[side] = satAdd(b.consumed[side], n)
	delta := b.advanceLocked()
	b.mu.Unlock()
	b.forward(delta)
}

func (b *Balancer) allowDiscard(side int) {
	b.mu.Lock()
	if b.discarded[side] {
		b.mu.Unlock()
		return
	}
	b.discarded[side] = true
	both := b.discarded[0] && b.discarded[1]
	var delta uint64
	if !both {
		// The remaining half alone now paces the parent.
		delta = b.advanceLocked()
	}
	b.mu.Unlock()

	b.forward(delta)
	if both {
		b.parent.AllowDiscard()
	}
}

func (b *Balancer) disregardBackpressure(side int) {
	b.mu.Lock()
	if b.disregarded[side] {
		b.mu.Unlock()
		return
	}
	b.disregarded[side] = true
	both := b.disregarded[0] && b.disregarded[1]
	var delta uint64
	if !both {
		delta = b.advanceLocked()
	}
	b.mu.Unlock()

	b.forward(delta)
	if both {
		b.parent.DisregardBackpressure()
	}
}

func (b *Balancer) forward(delta uint64) {
	if delta > 0 {
		b.parent.OnBytesConsumed(delta)
	}
}

// demandOf is a half's acknowledged bytes; a half that disregards backpressure
// never holds the other back.
func (b *Balancer) demandOf(side int) uint64 {
	if b.disregarded[side] {
		return Unbounded
	}
	return b.consumed[side]
}

// advanceLocked recomputes the combined demand and returns how much of it has
// not been forwarded yet. Unbounded is always forwarded as Unbounded.
func (b *Balancer) advanceLocked() uint64 {
	var combined uint64
	switch {
	case b.discarded[0] && b.discarded[1]:
		return 0
	case b.discarded[0]:
		combined = b.demandOf(1)
	case b.discarded[1]:
		combined = b.demandOf(0)
	default:
		l, r := b.demandOf(0), b.demandOf(1)
		switch b.mode {
		case SplitStrict:
			combined = satAdd(l, r)
		case SplitFastest:
			combined = max(l, r)
		default:
			combined = min(l, r)
		}
	}

	if combined <= b.forwarded {
		return 0
	}
	if combined == Unbounded {
		b.forwarded = Unbounded
		return Unbounded
	}
	delta := combined - b.forwarded
	b.forwarded = combined
	return delta
}
