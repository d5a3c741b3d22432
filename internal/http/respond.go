package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/example/booking-engine/internal/booking"
)

var statusByCode = map[string]int{
	booking.CodeForbidden:             http.StatusForbidden,
	booking.CodeNotFound:              http.StatusNotFound,
	booking.CodeInvalidRequest:        http.StatusBadRequest,
	booking.CodeInvalidSlot:           http.StatusBadRequest,
	booking.CodeSlotTooFar:            http.StatusBadRequest,
	booking.CodeRebookInvalidSlot:     http.StatusBadRequest,
	booking.CodeRebookSlotTooFar:      http.StatusBadRequest,
	booking.CodeIllegalTransition:     http.StatusConflict,
	booking.CodeConcurrentUpdate:      http.StatusConflict,
	booking.CodeBookingNotActive:      http.StatusConflict,
	booking.CodeSlotConflict:          http.StatusConflict,
	booking.CodeRebookSlotConflict:    http.StatusConflict,
	booking.CodeWorkerUnavailable:     http.StatusConflict,
	booking.CodeRebookSameUnavailable: http.StatusConflict,
	booking.CodeRebookNotEligible:     http.StatusUnprocessableEntity,
	booking.CodePaymentFailed:         http.StatusPaymentRequired,
	booking.CodeInsufficientBalance:   http.StatusPaymentRequired,
	booking.CodePersistenceFailed:     http.StatusInternalServerError,
}

const (
	codeUnauthenticated = "UNAUTHENTICATED"
	codeInternal        = "INTERNAL"
)

type errorBody struct {
	OK      bool           `json:"ok"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func invalid(msg string, details map[string]any) *booking.Error {
	return &booking.Error{Code: booking.CodeInvalidRequest, Message: msg, Details: details}
}

// writeError maps domain errors to their status; anything else is logged
// and answered with a detail-free 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var de *booking.Error
	if errors.As(err, &de) {
		status, ok := statusByCode[de.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		if status >= 500 {
			logger.Error("request failed after side effects", "code", de.Code, "details", de.Details)
		}
		writeJSON(w, status, errorBody{Code: de.Code, Message: de.Message, Details: de.Details})
		return
	}
	logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: codeInternal, Message: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
