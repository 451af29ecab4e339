package transport

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowdesk/internal/draft"
	"github.com/pitabwire/flowdesk/internal/editor"
	"github.com/pitabwire/flowdesk/internal/flow"
	"github.com/pitabwire/flowdesk/internal/lifecycle"
	"github.com/pitabwire/flowdesk/internal/summary"
	"github.com/pitabwire/flowdesk/model"
)

type draftHandlers struct {
	editor     *editor.Service
	summarizer *summary.Summarizer
}

type draftResponse struct {
	ID        string                 `json:"id"`
	Version   int                    `json:"version"`
	ExpiresAt time.Time              `json:"expiresAt"`
	Flow      model.Flow             `json:"flow"`
	View      summary.FlowDescriptor `json:"view"`
}

type ruleResponse struct {
	Draft draftResponse          `json:"draft"`
	Rule  summary.RuleDescriptor `json:"rule"`
}

type saveItem struct {
	Item      string              `json:"item"`
	Operation lifecycle.Operation `json:"operation"`
	ServerID  string              `json:"serverId,omitempty"`
}

type saveResponse struct {
	Draft    draftResponse `json:"draft"`
	Replayed bool          `json:"replayed"`
	Calls    int           `json:"calls"`
	Results  []saveItem    `json:"results"`
}

type instantiateRequest struct {
	EventID string `json:"eventId"`
	FlowID  string `json:"flowId"`
}

func (h *draftHandlers) render(d draft.Draft) draftResponse {
	return draftResponse{
		ID:        d.ID,
		Version:   d.Version,
		ExpiresAt: d.ExpiresAt,
		Flow:      d.Flow,
		View:      h.summarizer.DescribeFlow(d.Flow),
	}
}

func (h *draftHandlers) write(w http.ResponseWriter, status int, d draft.Draft, body any) {
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(d.Version)))
	WriteJSON(w, status, body)
}

func (h *draftHandlers) open(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	var ref model.FlowRef
	if err := decodeBody(r, &ref); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := ref.Validate(); err != nil {
		writeErr(w, r, err)
		return
	}
	if !CapabilitiesFrom(r.Context()).Has(model.EditCapability(ref)) {
		WriteForbidden(w, "Missing capability "+model.EditCapability(ref))
		return
	}
	d, err := h.editor.Open(r.Context(), rctx, ref)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.write(w, http.StatusCreated, d, h.render(d))
}

func (h *draftHandlers) instantiate(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	templateID := chi.URLParam(r, "flowId")
	var req instantiateRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	target := model.FlowRef{EventID: req.EventID, FlowID: req.FlowID}
	if err := target.Validate(); err != nil {
		writeErr(w, r, err)
		return
	}
	d, err := h.editor.Instantiate(r.Context(), rctx, templateID, target)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.write(w, http.StatusCreated, d, h.render(d))
}

// authorize loads the draft named in the path and checks the caller may
// edit its flow.
func (h *draftHandlers) authorize(w http.ResponseWriter, r *http.Request) (draft.Draft, bool) {
	rctx := model.RequestContextFrom(r.Context())
	d, err := h.editor.Get(r.Context(), rctx, chi.URLParam(r, "draftId"))
	if err != nil {
		writeErr(w, r, err)
		return draft.Draft{}, false
	}
	capability := model.EditCapability(d.Flow.Ref())
	if !CapabilitiesFrom(r.Context()).Has(capability) {
		WriteForbidden(w, "Missing capability "+capability)
		return draft.Draft{}, false
	}
	return d, true
}

func (h *draftHandlers) get(w http.ResponseWriter, r *http.Request) {
	d, ok := h.authorize(w, r)
	if !ok {
		return
	}
	h.write(w, http.StatusOK, d, h.render(d))
}

func (h *draftHandlers) updateMetadata(w http.ResponseWriter, r *http.Request) {
	d, ok := h.authorize(w, r)
	if !ok {
		return
	}
	version, err := expectedVersion(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var in flow.MetadataInput
	if err := decodeBody(r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	d, err = h.editor.UpdateMetadata(r.Context(), model.RequestContextFrom(r.Context()), d.ID, version, in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.write(w, http.StatusOK, d, h.render(d))
}

func (h *draftHandlers) discard(w http.ResponseWriter, r *http.Request) {
	d, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if err := h.editor.Discard(r.Context(), model.RequestContextFrom(r.Context()), d.ID); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *draftHandlers) addRule(w http.ResponseWriter, r *http.Request) {
	h.putRule(w, r, false)
}

func (h *draftHandlers) editRule(w http.ResponseWriter, r *http.Request) {
	h.putRule(w, r, true)
}

func (h *draftHandlers) putRule(w http.ResponseWriter, r *http.Request, edit bool) {
	kind, err := collectionKind(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	d, ok := h.authorize(w, r)
	if !ok {
		return
	}
	version, err := expectedVersion(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeErr(w, r, err)
		return
	}

	rctx := model.RequestContextFrom(r.Context())
	var rule model.Rule
	status := http.StatusCreated
	if edit {
		status = http.StatusOK
		d, rule, err = h.editor.EditRule(r.Context(), rctx, d.ID, version, kind, chi.URLParam(r, "ruleId"), in)
	} else {
		d, rule, err = h.editor.AddRule(r.Context(), rctx, d.ID, version, kind, in)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.write(w, status, d, ruleResponse{Draft: h.render(d), Rule: h.summarizer.Describe(rule)})
}

func (h *draftHandlers) removeRule(w http.ResponseWriter, r *http.Request) {
	kind, err := collectionKind(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	d, ok := h.authorize(w, r)
	if !ok {
		return
	}
	version, err := expectedVersion(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	d, err = h.editor.RemoveRule(r.Context(), model.RequestContextFrom(r.Context()), d.ID, version, kind, chi.URLParam(r, "ruleId"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.write(w, http.StatusOK, d, h.render(d))
}

func (h *draftHandlers) save(w http.ResponseWriter, r *http.Request) {
	d, ok := h.authorize(w, r)
	if !ok {
		return
	}
	version, err := expectedVersion(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out, err := h.editor.Save(r.Context(), model.RequestContextFrom(r.Context()), d.ID, version, r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := saveResponse{
		Draft:    h.render(out.Draft),
		Replayed: out.Replayed,
		Calls:    out.Report.Calls(),
		Results:  make([]saveItem, 0, len(out.Report.Results)),
	}
	for _, res := range out.Report.Results {
		resp.Results = append(resp.Results, saveItem{Item: res.Item(), Operation: res.Operation, ServerID: res.ServerID})
	}
	h.write(w, http.StatusOK, out.Draft, resp)
}

func collectionKind(r *http.Request) (model.RuleKind, error) {
	c := chi.URLParam(r, "collection")
	kind, ok := model.ParseCollection(c)
	if !ok {
		return "", model.NewNotFoundError("unknown rule collection " + strconv.Quote(c))
	}
	return kind, nil
}

// expectedVersion reads the client's draft version from If-Match, falling
// back to the version query parameter. Zero means unconditional.
func expectedVersion(r *http.Request) (int, error) {
	raw := r.Header.Get("If-Match")
	if raw == "" {
		raw = r.URL.Query().Get("version")
	}
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "W/")
	raw = strings.Trim(raw, `"`)
	if raw == "" || raw == "*" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, model.NewBadRequestError("invalid draft version " + strconv.Quote(raw))
	}
	return v, nil
}
