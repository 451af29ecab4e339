package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pitabwire/flowdesk/internal/flow"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/registry"
	"github.com/pitabwire/flowdesk/internal/schema"
	"github.com/pitabwire/flowdesk/internal/summary"
	"github.com/pitabwire/flowdesk/model"
)

// ruleRequest is the JSON body of a rule create, edit, describe or
// validate request.
type ruleRequest struct {
	Kind        model.RuleKind `json:"kind,omitempty"`
	Type        model.RuleType `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// input converts the request into an editor input with typed details.
func (rr ruleRequest) input() (flow.RuleInput, error) {
	if rr.Type == "" {
		return flow.RuleInput{}, model.NewValidationError([]model.FieldError{
			{Field: "type", Code: "required", Message: "Rule type is required"},
		})
	}
	details, err := schema.Decode(rr.Type, rr.Details)
	if err != nil {
		return flow.RuleInput{}, err
	}
	return flow.RuleInput{
		Type:        rr.Type,
		Name:        rr.Name,
		Description: rr.Description,
		Details:     details,
	}, nil
}

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

type ruleHandlers struct {
	registry   *registry.Registry
	summarizer *summary.Summarizer
	metrics    *observability.Metrics
}

type catalogResponse struct {
	Triggers []registry.Entry `json:"triggers"`
	Actions  []registry.Entry `json:"actions"`
}

func (h *ruleHandlers) catalog(w http.ResponseWriter, r *http.Request) {
	out := catalogResponse{Triggers: []registry.Entry{}, Actions: []registry.Entry{}}
	for _, e := range h.registry.Catalog() {
		if e.Kind == model.KindAction {
			out.Actions = append(out.Actions, e)
		} else {
			out.Triggers = append(out.Triggers, e)
		}
	}
	WriteJSON(w, http.StatusOK, out)
}

// prepare decodes and validates a rule request. The kind defaults to the
// registered kind of the type.
func (h *ruleHandlers) prepare(r *http.Request) (model.Rule, error) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		return model.Rule{}, err
	}
	in, err := req.input()
	if err != nil {
		return model.Rule{}, err
	}
	kind := req.Kind
	if kind == "" {
		kind, _ = h.registry.KindOf(in.Type)
	}
	if !kind.Valid() {
		return model.Rule{}, model.NewValidationError([]model.FieldError{
			{Field: "kind", Code: "oneof", Message: "Kind must be one of: trigger, action"},
		})
	}
	details := model.ApplyDefaults(in.Details)
	if err := schema.ValidateKind(kind, in.Type, details, h.registry.KindOf); err != nil {
		h.metrics.RecordRuleValidationError(string(in.Type))
		return model.Rule{}, err
	}
	return model.Rule{
		Kind:        kind,
		Type:        in.Type,
		Name:        in.Name,
		Description: in.Description,
		Details:     details,
	}, nil
}

func (h *ruleHandlers) describe(w http.ResponseWriter, r *http.Request) {
	rule, err := h.prepare(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.summarizer.Describe(rule))
}

type validateResponse struct {
	Valid   bool   `json:"valid"`
	Summary string `json:"summary"`
}

func (h *ruleHandlers) validate(w http.ResponseWriter, r *http.Request) {
	rule, err := h.prepare(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, validateResponse{
		Valid:   true,
		Summary: h.summarizer.Summarize(rule.Type, rule.Details),
	})
}

// writeErr writes err stamped with the trace id of the request.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var traceID string
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
		traceID = rctx.TraceID
	}
	WriteErrorTraced(w, err, traceID)
}
