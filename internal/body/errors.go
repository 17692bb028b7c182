package body

import (
	"errors"
	"fmt"
)

// ErrorCode classifies body failures.
type ErrorCode uint8

const (
	// ErrCodeIncorrectLength: the bytes received contradict the declared length.
	ErrCodeIncorrectLength ErrorCode = iota + 1
	// ErrCodeContentLengthExceeded: the body grew past Limits.MaxBodySize.
	ErrCodeContentLengthExceeded
	// ErrCodeBufferLengthExceeded: retaining the body would exceed Limits.MaxBufferSize.
	ErrCodeBufferLengthExceeded
	// ErrCodeAlreadyClaimed: a ByteBody was consumed twice.
	ErrCodeAlreadyClaimed
	// ErrCodeIllegalState: a reservation protocol violation inside the buffer.
	ErrCodeIllegalState
)

// String returns the string representation of the ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeIncorrectLength:
		return "INCORRECT_LENGTH"
	case ErrCodeContentLengthExceeded:
		return "CONTENT_LENGTH_EXCEEDED"
	case ErrCodeBufferLengthExceeded:
		return "BUFFER_LENGTH_EXCEEDED"
	case ErrCodeAlreadyClaimed:
		return "ALREADY_CLAIMED"
	case ErrCodeIllegalState:
		return "ILLEGAL_STATE"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint8(c))
	}
}

// BodyError describes a failed body. Limit and Actual carry the byte counts
// involved in length and budget violations.
type BodyError struct {
	Code   ErrorCode
	Msg    string
	Limit  uint64
	Actual uint64
	// ClaimSite is the stack captured at the first claim, when claim tracking is on.
	ClaimSite string
	Cause     error
}

// Error returns a string representation of the BodyError.
func (e *BodyError) Error() string {
	msg := fmt.Sprintf("body error: %s (code %s)", e.Msg, e.Code)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.ClaimSite != "" {
		msg += "\nfirst claimed here:\n" + e.ClaimSite
	}
	return msg
}

// Unwrap returns the underlying cause of the error, if any.
func (e *BodyError) Unwrap() error {
	return e.Cause
}

// Is matches any *BodyError with the same code, so errors.Is works against
// the Err* sentinels.
func (e *BodyError) Is(target error) bool {
	var t *BodyError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrIncorrectLength       = &BodyError{Code: ErrCodeIncorrectLength, Msg: "incorrect body length"}
	ErrContentLengthExceeded = &BodyError{Code: ErrCodeContentLengthExceeded, Msg: "content length exceeded"}
	ErrBufferLengthExceeded  = &BodyError{Code: ErrCodeBufferLengthExceeded, Msg: "buffer length exceeded"}
	ErrAlreadyClaimed        = &BodyError{Code: ErrCodeAlreadyClaimed, Msg: "body already claimed"}
	ErrIllegalState          = &BodyError{Code: ErrCodeIllegalState, Msg: "illegal buffer state"}
)

// ErrCancelled is returned by a Stream after Cancel.
var ErrCancelled = errors.New("body: stream cancelled")

// NewIncorrectLengthError reports that actual bytes contradict the expected length.
func NewIncorrectLengthError(expected, actual uint64) *BodyError {
	return &BodyError{
		Code:   ErrCodeIncorrectLength,
		Msg:    fmt.Sprintf("expected %d bytes but received %d", expected, actual),
		Limit:  expected,
		Actual: actual,
	}
}

// NewContentLengthExceededError reports a body larger than maxBodySize.
func NewContentLengthExceededError(maxBodySize, actual uint64) *BodyError {
	return &BodyError{
		Code:   ErrCodeContentLengthExceeded,
		Msg:    fmt.Sprintf("body of %d bytes exceeds the maximum of %d", actual, maxBodySize),
		Limit:  maxBodySize,
		Actual: actual,
	}
}

// NewBufferLengthExceededError reports that buffering would exceed maxBufferSize.
func NewBufferLengthExceededError(maxBufferSize, actual uint64) *BodyError {
	return &BodyError{
		Code:   ErrCodeBufferLengthExceeded,
		Msg:    fmt.Sprintf("buffering %d bytes exceeds the maximum of %d", actual, maxBufferSize),
		Limit:  maxBufferSize,
		Actual: actual,
	}
}

func newAlreadyClaimedError(op, claimSite string) *BodyError {
	return &BodyError{
		Code:      ErrCodeAlreadyClaimed,
		Msg:       fmt.Sprintf("cannot %s: body already claimed", op),
		ClaimSite: claimSite,
	}
}

func newIllegalStateError(msg string) *BodyError {
	return &BodyError{Code: ErrCodeIllegalState, Msg: msg}
}
