package body

// Outcome is the terminal state a body settled in.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeError    Outcome = "error"
)

// Observer receives accounting events from SharedBuffer and ByteBody. Calls
// come from inside the buffer's runner and must be cheap.
type Observer interface {
	BytesReceived(n uint64)
	RetainedBytes(delta int64)
	LimitExceeded(code ErrorCode)
	BodyFinished(outcome Outcome, length uint64)
	Claimed(op string)
	ClaimRejected(op string)
}

type nopObserver struct{}

func (nopObserver) BytesReceived(uint64)         {}
func (nopObserver) RetainedBytes(int64)          {}
func (nopObserver) LimitExceeded(ErrorCode)      {}
func (nopObserver) BodyFinished(Outcome, uint64) {}
func (nopObserver) Claimed(string)               {}
func (nopObserver) ClaimRejected(string)         {}
