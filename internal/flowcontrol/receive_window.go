package flowcontrol

import (
	"fmt"
	"sync"

	"golang.org/x/net/http2"
)

// ReceiveWindow accounts for the window this endpoint advertises to a peer on
// one HTTP/2 stream (or the connection, with stream ID 0). Bytes the peer sends
// shrink the window; bytes the application consumes are handed back as
// WINDOW_UPDATE increments once they reach half the initial window.
type ReceiveWindow struct {
	mu sync.Mutex

	streamID   uint32
	initial    uint32
	threshold  uint32
	advertised int64  // Bytes the peer may still send.
	pending    uint64 // Consumed but not yet returned to the peer.
	unbounded  bool   // Every received byte is returned immediately.

	totalReceived uint64
	totalConsumed uint64
}

// NewReceiveWindow creates the receive side accounting for streamID.
func NewReceiveWindow(streamID, initialSize uint32) *ReceiveWindow {
	if initialSize > MaxWindowSize {
		initialSize = MaxWindowSize
	}
	threshold := initialSize / 2
	if threshold == 0 && initialSize > 0 {
		threshold = 1
	}
	return &ReceiveWindow{
		streamID:   streamID,
		initial:    initialSize,
		threshold:  threshold,
		advertised: int64(initialSize),
	}
}

// Advertised returns how many bytes the peer may still send.
func (rw *ReceiveWindow) Advertised() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.advertised
}

// Received records n bytes of DATA payload from the peer. It fails with a
// FLOW_CONTROL_ERROR when the peer overran the window. When backpressure is
// disregarded the returned increment re-opens the window right away.
func (rw *ReceiveWindow) Received(n uint32) (uint32, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if int64(n) > rw.advertised {
		return 0, rw.flowControlErrorLocked(fmt.Errorf(
			"peer sent %d bytes with only %d bytes of window available", n, rw.advertised))
	}
	rw.advertised -= int64(n)
	rw.totalReceived += uint64(n)
	if rw.unbounded && n > 0 {
		rw.advertised += int64(n)
		return n, nil
	}
	return 0, nil
}

// Consumed records n bytes taken by the application and returns the
// WINDOW_UPDATE increment to send, or 0 while below the threshold.
func (rw *ReceiveWindow) Consumed(n uint64) uint32 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.unbounded || n == 0 {
		return 0
	}
	rw.totalConsumed += n
	room := uint64(MaxWindowSize - rw.advertised)
	rw.pending += n
	if rw.pending > room || rw.pending < n {
		rw.pending = room
	}
	if rw.pending == 0 || (rw.pending < uint64(rw.threshold) && rw.pending < room) {
		return 0
	}
	inc := uint32(rw.pending)
	rw.pending = 0
	rw.advertised += int64(inc)
	return inc
}

// Disregard opens the window to its maximum and keeps it open; it returns the
// increment needed to get there.
func (rw *ReceiveWindow) Disregard() uint32 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.unbounded = true
	rw.pending = 0
	inc := uint32(MaxWindowSize - rw.advertised)
	rw.advertised = MaxWindowSize
	return inc
}

func (rw *ReceiveWindow) flowControlErrorLocked(cause error) error {
	if rw.streamID == 0 {
		return http2.ConnectionError(http2.ErrCodeFlowControl)
	}
	return http2.StreamError{StreamID: rw.streamID, Code: http2.ErrCodeFlowControl, Cause: cause}
}
