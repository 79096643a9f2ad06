// Package status defines the typed errors returned by the ledger services.
// Every failure a caller can act on is one of these values; handlers map the
// Kind to an HTTP status. Services never return unstructured errors for
// domain failures.
package status

import "errors"

type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindConflict
	KindCapacity
	KindAuthorization
	KindState
	KindPayment
	KindFatal
)

// Error is a sentinel domain error with a stable kind and message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

var (
	// Validation
	ErrInvalidSchedule = &Error{KindValidation, "event: invalid schedule or capacity"}

	// Not found
	ErrEventNotFound  = &Error{KindNotFound, "event: event not found"}
	ErrTicketNotFound = &Error{KindNotFound, "ticket: ticket not found"}

	// Conflict
	ErrDuplicateEvent   = &Error{KindConflict, "event: duplicate event"}
	ErrAlreadyPurchased = &Error{KindConflict, "ticket: already purchased for this event"}
	ErrCommitConflict   = &Error{KindConflict, "commit: stale or out-of-order sequence"}

	// Capacity
	ErrEventSoldOut      = &Error{KindCapacity, "event: sold out"}
	ErrCapacityBelowSold = &Error{KindCapacity, "event: capacity below tickets sold"}

	// Authorization
	ErrUnauthorized = &Error{KindAuthorization, "auth: requester is not the owner"}

	// State
	ErrEventInactive     = &Error{KindState, "event: event is not active"}
	ErrTicketAlreadyUsed = &Error{KindState, "ticket: ticket has already been used"}
	ErrAlreadyDelegated  = &Error{KindState, "delegation: event is not in local state"}
	ErrNotDelegated      = &Error{KindState, "delegation: event is not delegated"}
	ErrCommitInFlight    = &Error{KindState, "delegation: commit in flight, writes blocked"}

	// Payment
	ErrFailedPayment     = &Error{KindPayment, "payment: payment failed"}
	ErrInsufficientFunds = &Error{KindPayment, "payment: insufficient funds"}

	// Fatal: a persisted invariant violation was observed. Writes to the
	// event halt until an operator intervenes.
	ErrEventFrozen = &Error{KindFatal, "event: ledger invariant violated, event frozen"}
)

// KindOf reports the Kind of err, or KindFatal, false when err is not a
// status error.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return KindFatal, false
}

// Retryable reports whether the caller may retry the operation. Everything
// except a fatal invariant violation is retryable from the caller's side.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k != KindFatal
}
