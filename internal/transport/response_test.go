package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/flowdesk/internal/lifecycle"
	"github.com/pitabwire/flowdesk/model"
)

// envelopeIn decodes the error envelope written to rec.
func envelopeIn(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"draftId": "d1"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	for name, want := range map[string]string{
		"Content-Type":           "application/json; charset=utf-8",
		"X-Content-Type-Options": "nosniff",
	} {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["draftId"] != "d1" {
		t.Errorf("body = %v (%v)", body, err)
	}
}

func TestWriteJSON_nilBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusNoContent, nil)
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestWriteError_status(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad request", model.NewBadRequestError("x"), http.StatusBadRequest, model.ErrBadRequest},
		{"unauthorized", model.NewUnauthorizedError("x"), http.StatusUnauthorized, model.ErrUnauthorized},
		{"forbidden", model.NewForbiddenError("x"), http.StatusForbidden, model.ErrForbidden},
		{"not found", model.NewNotFoundError("x"), http.StatusNotFound, model.ErrNotFound},
		{"conflict", model.NewConflictError("x"), http.StatusConflict, model.ErrConflict},
		{"validation", model.NewValidationError(nil), http.StatusUnprocessableEntity, model.ErrValidationError},
		{"internal", model.NewInternalError(), http.StatusInternalServerError, model.ErrInternalError},
		{"backend down", model.NewBackendUnavailableError(), http.StatusBadGateway, model.ErrBackendUnavailable},
		{"backend slow", model.NewBackendTimeoutError(), http.StatusGatewayTimeout, model.ErrBackendTimeout},
		{"save failed", model.NewSaveFailedError(nil), http.StatusBadGateway, model.ErrSaveFailed},
		{"draft expired", model.NewDraftExpiredError("d1"), http.StatusGone, model.ErrDraftExpired},
		{"unknown code", &model.ErrorEnvelope{Code: "SOMETHING_ELSE"}, http.StatusInternalServerError, "SOMETHING_ELSE"},
		{"wrapped", fmt.Errorf("load flow: %w", model.NewConflictError("stale")), http.StatusConflict, model.ErrConflict},
		{"plain error", fmt.Errorf("connection reset"), http.StatusInternalServerError, model.ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := envelopeIn(t, rec).Code; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestWriteError_plainErrorIsHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("dial tcp 10.0.0.7:443: connection refused"))

	if got := envelopeIn(t, rec).Message; got != model.NewInternalError().Message {
		t.Errorf("message = %q, want the generic internal message", got)
	}
}

func TestWriteHelpers(t *testing.T) {
	tests := []struct {
		name  string
		write func(http.ResponseWriter)
		want  int
	}{
		{"not found", func(w http.ResponseWriter) { WriteNotFound(w, "draft d1") }, http.StatusNotFound},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "missing capability") }, http.StatusForbidden},
		{"validation", func(w http.ResponseWriter) {
			WriteValidationError(w, []model.FieldError{{Field: "details.date", Code: "required", Message: "date is required"}})
		}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestWriteError_saveError(t *testing.T) {
	se := &lifecycle.SaveError{
		Ref: model.FlowRef{EventID: "e1", FlowID: "f1"},
		Failed: []lifecycle.ItemResult{
			{Kind: model.KindTrigger, LocalID: "trigger-1", Operation: lifecycle.OpCreate, Err: model.NewBadRequestError("bad date")},
			{Operation: lifecycle.OpMetadata, Err: fmt.Errorf("connection reset")},
		},
	}

	rec := httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("save draft: %w", se))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	ee := envelopeIn(t, rec)
	if ee.Code != model.ErrSaveFailed || len(ee.Details) != 2 {
		t.Fatalf("envelope = %+v, want SAVE_FAILED with 2 details", ee)
	}
	want := []model.FieldError{
		{Field: "triggers/trigger-1", Code: model.ErrBadRequest},
		{Field: "metadata", Code: model.ErrInternalError},
	}
	for i, w := range want {
		if d := ee.Details[i]; d.Field != w.Field || d.Code != w.Code {
			t.Errorf("details[%d] = %s/%s, want %s/%s", i, d.Field, d.Code, w.Field, w.Code)
		}
	}
}

func TestWriteErrorTraced(t *testing.T) {
	orig := model.NewNotFoundError("gone")

	rec := httptest.NewRecorder()
	WriteErrorTraced(rec, orig, "trace-abc")

	if got := envelopeIn(t, rec).TraceID; got != "trace-abc" {
		t.Errorf("trace_id = %q, want trace-abc", got)
	}
	if orig.TraceID != "" {
		t.Error("original envelope was stamped")
	}
}

func TestWriteErrorTraced_keepsExistingTrace(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorTraced(rec, &model.ErrorEnvelope{Code: model.ErrConflict, TraceID: "upstream"}, "local")

	if got := envelopeIn(t, rec).TraceID; got != "upstream" {
		t.Errorf("trace_id = %q, want upstream", got)
	}
}
