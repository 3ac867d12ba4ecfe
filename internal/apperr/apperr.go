// Package apperr carries the controlled error taxonomy. Reason codes are stable
// strings clients branch on; messages are free text.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindConflict
	KindLimitation
	KindModified
	KindNoChange
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindLimitation:
		return "limitation"
	case KindModified:
		return "modified"
	case KindNoChange:
		return "no_change"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

const (
	ReasonValidation        = "VALIDATION"
	ReasonNotFound          = "NOT_FOUND"
	ReasonForbidden         = "FORBIDDEN"
	ReasonConflict          = "CONFLICT"
	ReasonLimitation        = "LIMITATION"
	ReasonModified          = "MODIFIED"
	ReasonNoChanges         = "NO_CHANGES"
	ReasonDraftExpired      = "DRAFT_EXPIRED"
	ReasonCartMismatch      = "CART_MISMATCH"
	ReasonNotDraft          = "NOT_DRAFT"
	ReasonNotEditable       = "NOT_EDITABLE"
	ReasonBelowMinimum      = "BELOW_MIN_ORDER_AMOUNT"
	ReasonInsufficientStock = "INSUFFICIENT_STOCK"
	ReasonOnlineInProgress  = "ONLINE_TRANSACTION_IN_PROGRESS"
	ReasonInvalidTransition = "INVALID_TRANSITION"
	ReasonUnpaid            = "NOT_FULLY_PAID"
	ReasonOnlineEventVoid   = "ONLINE_EVENT_NOT_VOIDABLE"
	ReasonImageMissing      = "IMAGE_MISSING"
	ReasonCustomerMissing   = "CUSTOMER_MISSING"
	ReasonProviderFailure   = "PROVIDER_FAILURE"
	ReasonDuplicateDraft    = "DUPLICATE_DRAFT"
	ReasonNothingToRefund   = "NOTHING_TO_REFUND"
	ReasonInternal          = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
	// Details is returned to clients alongside the reason (e.g. adjustments on MODIFIED).
	Details any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, ReasonValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, ReasonNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newf(KindForbidden, ReasonForbidden, format, args...)
}

func Conflict(reason, format string, args ...any) *Error {
	return newf(KindConflict, reason, format, args...)
}

func Limitation(reason, format string, args ...any) *Error {
	return newf(KindLimitation, reason, format, args...)
}

func Modified(details any, format string, args ...any) *Error {
	e := newf(KindModified, ReasonModified, format, args...)
	e.Details = details
	return e
}

func NoChange(format string, args ...any) *Error {
	return newf(KindNoChange, ReasonNoChanges, format, args...)
}

func Integrity(reason string, err error, format string, args ...any) *Error {
	e := newf(KindIntegrity, reason, format, args...)
	e.Err = err
	return e
}

// Wrap keeps err reachable through errors.Is/As while classifying it.
func Wrap(kind Kind, reason string, err error, format string, args ...any) *Error {
	e := newf(kind, reason, format, args...)
	e.Err = err
	return e
}

// As extracts the controlled error, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports KindInternal for uncontrolled errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
