// Package transport contains the HTTP router, middleware chain, and all
// request handlers of the flow editor API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/flowdesk/internal/lifecycle"
	"github.com/pitabwire/flowdesk/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrSaveFailed:         http.StatusBadGateway,
	model.ErrDraftExpired:       http.StatusGone,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// A failed save is reported with one detail per failed call. Errors that
// carry no envelope become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee := envelopeOf(err)
	WriteJSON(w, statusOf(ee), errorResponse{Error: ee})
}

// WriteErrorTraced is WriteError with the envelope stamped with traceID.
func WriteErrorTraced(w http.ResponseWriter, err error, traceID string) {
	ee := envelopeOf(err)
	if traceID != "" && ee.TraceID == "" {
		cp := *ee
		cp.TraceID = traceID
		ee = &cp
	}
	WriteJSON(w, statusOf(ee), errorResponse{Error: ee})
}

func envelopeOf(err error) *model.ErrorEnvelope {
	if se, ok := lifecycle.AsSaveError(err); ok {
		return se.Envelope()
	}
	if ee, ok := model.AsEnvelope(err); ok {
		return ee
	}
	return model.NewInternalError()
}

func statusOf(ee *model.ErrorEnvelope) int {
	if status := statusForCode[ee.Code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
