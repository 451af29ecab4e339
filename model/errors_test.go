package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	var err error = NewNotFoundError("Flow not found")
	if got, want := err.Error(), "NOT_FOUND: Flow not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		ee   *ErrorEnvelope
		code string
		msg  string
	}{
		{"bad request", NewBadRequestError("bad date"), ErrBadRequest, "bad date"},
		{"unauthorized", NewUnauthorizedError("no token"), ErrUnauthorized, "no token"},
		{"forbidden", NewForbiddenError("no grant"), ErrForbidden, "no grant"},
		{"not found", NewNotFoundError("trigger missing"), ErrNotFound, "trigger missing"},
		{"conflict", NewConflictError("stale"), ErrConflict, "stale"},
		{"internal", NewInternalError(), ErrInternalError, "An unexpected error occurred"},
		{"unavailable", NewBackendUnavailableError(), ErrBackendUnavailable, "The backend service is temporarily unavailable"},
		{"timeout", NewBackendTimeoutError(), ErrBackendTimeout, "The backend service did not respond in time"},
		{"draft expired", NewDraftExpiredError("d1"), ErrDraftExpired, `Editing session "d1" has expired`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ee.Code != tt.code || tt.ee.Message != tt.msg {
				t.Errorf("got %s %q, want %s %q", tt.ee.Code, tt.ee.Message, tt.code, tt.msg)
			}
			if tt.ee.Details != nil {
				t.Errorf("Details = %+v, want none", tt.ee.Details)
			}
		})
	}
}

func TestConstructors_returnFreshEnvelopes(t *testing.T) {
	a, b := NewInternalError(), NewInternalError()
	a.TraceID = "trace-1"
	if b.TraceID != "" {
		t.Error("envelopes share state")
	}
}

func TestNewValidationError(t *testing.T) {
	e := NewValidationError([]FieldError{
		{Field: "templateId", Code: "required", Message: "templateId is required"},
	})
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "templateId" {
		t.Errorf("Details = %+v", e.Details)
	}
}

func TestNewSaveFailedError(t *testing.T) {
	e := NewSaveFailedError([]FieldError{
		{Field: "triggers[trigger-1]", Code: ErrBackendUnavailable, Message: "down"},
		{Field: "actions[a1]", Code: ErrNotFound, Message: "gone"},
	})
	if e.Code != ErrSaveFailed {
		t.Errorf("Code = %q, want %q", e.Code, ErrSaveFailed)
	}
	if e.Message != "Could not save the flow: 2 of its changes failed" {
		t.Errorf("Message = %q", e.Message)
	}
	if len(e.Details) != 2 {
		t.Errorf("Details = %+v, want both failures", e.Details)
	}
}

func TestAsEnvelope(t *testing.T) {
	wrapped := fmt.Errorf("delete trigger: %w", NewConflictError("stale"))

	ee, ok := AsEnvelope(wrapped)
	if !ok || ee.Code != ErrConflict {
		t.Fatalf("AsEnvelope() = %v, %v, want CONFLICT", ee, ok)
	}
	if _, ok := AsEnvelope(fmt.Errorf("plain")); ok {
		t.Error("AsEnvelope(plain) ok = true, want false")
	}

	for _, tt := range []struct {
		err  error
		code string
		want bool
	}{
		{wrapped, ErrConflict, true},
		{wrapped, ErrNotFound, false},
		{fmt.Errorf("plain"), ErrConflict, false},
		{nil, ErrConflict, false},
	} {
		if got := IsCode(tt.err, tt.code); got != tt.want {
			t.Errorf("IsCode(%v, %s) = %v, want %v", tt.err, tt.code, got, tt.want)
		}
	}
}
