package model

import (
	"errors"
	"fmt"
)

// Error codes carried in ErrorEnvelope.Code.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"

	// ErrSaveFailed reports a save where some changes did not reach the flows
	// API. Details name each failed item.
	ErrSaveFailed   = "SAVE_FAILED"
	ErrDraftExpired = "DRAFT_EXPIRED"
)

// ErrorEnvelope is the body of every error response, under the "error" key.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// FieldError points at one invalid field, or one failed item of a save.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err to an *ErrorEnvelope when one is in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	ok := errors.As(err, &ee)
	return ee, ok
}

// IsCode reports whether err carries an envelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return envelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return envelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return envelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return envelope(ErrConflict, msg) }

// NewInternalError hides the cause from the caller; log it before returning.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return envelope(ErrBackendUnavailable, "The backend service is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return envelope(ErrBackendTimeout, "The backend service did not respond in time")
}

func NewValidationError(details []FieldError) *ErrorEnvelope {
	ee := envelope(ErrValidationError, "One or more fields are invalid")
	ee.Details = details
	return ee
}

func NewSaveFailedError(failed []FieldError) *ErrorEnvelope {
	ee := envelope(ErrSaveFailed, fmt.Sprintf("Could not save the flow: %d of its changes failed", len(failed)))
	ee.Details = failed
	return ee
}

func NewDraftExpiredError(draftID string) *ErrorEnvelope {
	return envelope(ErrDraftExpired, fmt.Sprintf("Editing session %q has expired", draftID))
}
