package ledgerapi

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// RejectReason classifies an explicit refusal by the ledger service.
type RejectReason string

const (
	ReasonAccountLocked     RejectReason = "account_locked"
	ReasonInvalidInstrument RejectReason = "invalid_instrument"
	ReasonInvalidVolume     RejectReason = "invalid_volume"
	ReasonDuplicate         RejectReason = "duplicate"
	ReasonUnknown           RejectReason = "unknown"
)

// RejectedError: the ledger explicitly refused the intent. Optimistic state
// must be rolled back; not retryable without a new intent.
type RejectedError struct {
	Reason  RejectReason
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Reason, e.Message)
}

// ErrConflict: the operation was already applied server-side (e.g. a
// double-close). Treated as success, never as a rollback.
var ErrConflict = errors.New("already applied")

// TransientError: network failure, timeout, or no definitive response.
// Optimistic state rolls back but the intent is retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsRejected reports whether err is an explicit refusal, returning the reason.
func IsRejected(err error) (RejectReason, bool) {
	var rj *RejectedError
	if errors.As(err, &rj) {
		return rj.Reason, true
	}
	return "", false
}

// IsConflict reports whether err means "already applied server-side".
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTransient reports whether err is retryable: an explicit TransientError,
// a context deadline, or a network error.
func IsTransient(err error) bool {
	var tr *TransientError
	if errors.As(err, &tr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// UserMessage renders the single specific message surfaced to the user for a
// mutation failure.
func UserMessage(err error) string {
	if reason, ok := IsRejected(err); ok {
		switch reason {
		case ReasonAccountLocked:
			return "account locked"
		case ReasonDuplicate:
			return "duplicate trade"
		case ReasonInvalidInstrument:
			return "instrument not tradable"
		case ReasonInvalidVolume:
			return "invalid volume"
		}
		return "order rejected"
	}
	if IsTransient(err) {
		return "network unavailable"
	}
	return "server error"
}
