package booking

import (
	"errors"
	"fmt"
)

// Stable machine-readable codes.
const (
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeIllegalTransition     = "ILLEGAL_TRANSITION"
	CodeConcurrentUpdate      = "CONCURRENT_UPDATE"
	CodeBookingNotActive      = "BOOKING_NOT_ACTIVE"
	CodeInvalidSlot           = "INVALID_SLOT"
	CodeSlotTooFar            = "SLOT_TOO_FAR"
	CodeSlotConflict          = "SLOT_CONFLICT"
	CodeWorkerUnavailable     = "WORKER_UNAVAILABLE"
	CodePaymentFailed         = "PAYMENT_FAILED"
	CodeInsufficientBalance   = "INSUFFICIENT_WALLET_BALANCE"
	CodePersistenceFailed     = "PERSISTENCE_FAILED"
	CodeRebookNotEligible     = "REBOOK_NOT_ELIGIBLE"
	CodeRebookInvalidSlot     = "REBOOK_INVALID_SLOT"
	CodeRebookSlotTooFar      = "REBOOK_SLOT_TOO_FAR"
	CodeRebookSlotConflict    = "REBOOK_SLOT_CONFLICT"
	CodeRebookSameUnavailable = "REBOOK_SAME_WORKER_UNAVAILABLE"
)

// Error is an expected, caller-recoverable outcome.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// CodeOf returns the domain code of err, or "" for infrastructure errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func forbidden() *Error {
	return newError(CodeForbidden, "not allowed to access this booking", nil)
}

func notFound() *Error {
	return newError(CodeNotFound, "booking not found", nil)
}
