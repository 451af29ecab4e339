package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowdesk/internal/summary"
	"github.com/pitabwire/flowdesk/model"
)

type flowHandlers struct {
	store      FlowStore
	summarizer *summary.Summarizer
}

// flowView is a persisted flow together with its rendered rules.
type flowView struct {
	Flow model.Flow             `json:"flow"`
	View summary.FlowDescriptor `json:"view"`
}

func templateRef(r *http.Request) (model.FlowRef, error) {
	ref := model.FlowRef{IsTemplate: true, FlowID: chi.URLParam(r, "flowId")}
	if ref.FlowID == "" {
		return ref, model.NewBadRequestError("missing flow id")
	}
	return ref, nil
}

func eventFlowRef(r *http.Request) (model.FlowRef, error) {
	ref := model.FlowRef{EventID: chi.URLParam(r, "eventId"), FlowID: chi.URLParam(r, "flowId")}
	if ref.EventID == "" || ref.FlowID == "" {
		return ref, model.NewBadRequestError("missing event or flow id")
	}
	return ref, nil
}

func (h *flowHandlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, templateRef)
}

func (h *flowHandlers) getEventFlow(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, eventFlowRef)
}

func (h *flowHandlers) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	h.delete(w, r, templateRef)
}

func (h *flowHandlers) deleteEventFlow(w http.ResponseWriter, r *http.Request) {
	h.delete(w, r, eventFlowRef)
}

func (h *flowHandlers) get(w http.ResponseWriter, r *http.Request, refOf func(*http.Request) (model.FlowRef, error)) {
	ref, err := refOf(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	f, err := h.store.Load(r.Context(), model.RequestContextFrom(r.Context()), ref)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, flowView{Flow: f, View: h.summarizer.DescribeFlow(f)})
}

func (h *flowHandlers) delete(w http.ResponseWriter, r *http.Request, refOf func(*http.Request) (model.FlowRef, error)) {
	ref, err := refOf(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.store.DeleteFlow(r.Context(), model.RequestContextFrom(r.Context()), ref); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
