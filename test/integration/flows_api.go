package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pitabwire/flowdesk/internal/backend"
	"github.com/pitabwire/flowdesk/model"
)

// RecordedRequest captures a call the flows API received.
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    map[string]any
}

type failure struct {
	method string
	suffix string
	status int
}

// FlowsAPI is a stateful in-memory flows API. Templates and event flows
// live in one map keyed by flow reference; rules get sequential server ids.
type FlowsAPI struct {
	mux *http.ServeMux

	mu       sync.Mutex
	flows    map[string]*backend.FlowResource
	requests []RecordedRequest
	failures []failure
	nextID   int
}

// NewFlowsAPI creates an empty flows API.
func NewFlowsAPI() *FlowsAPI {
	a := &FlowsAPI{
		mux:   http.NewServeMux(),
		flows: make(map[string]*backend.FlowResource),
	}
	for _, base := range []string{
		"/organizations/{orgId}/flow-templates/{flowId}",
		"/organizations/{orgId}/events/{eventId}/flows/{flowId}",
	} {
		a.mux.HandleFunc("GET "+base, a.getFlow)
		a.mux.HandleFunc("PATCH "+base, a.updateMetadata)
		a.mux.HandleFunc("DELETE "+base, a.deleteFlow)
		a.mux.HandleFunc("POST "+base+"/{collection}", a.createRule)
		a.mux.HandleFunc("PUT "+base+"/{collection}/{ruleId}", a.updateRule)
		a.mux.HandleFunc("DELETE "+base+"/{collection}/{ruleId}", a.deleteRule)
	}
	return a
}

// Seed stores res under ref, replacing any previous flow.
func (a *FlowsAPI) Seed(ref model.FlowRef, res backend.FlowResource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res.ID = ref.FlowID
	res.EventID = ref.EventID
	a.flows[ref.String()] = &res
}

// Flow returns a copy of the stored flow.
func (a *FlowsAPI) Flow(ref model.FlowRef) (backend.FlowResource, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.flows[ref.String()]
	if !ok {
		return backend.FlowResource{}, false
	}
	out := *f
	out.Triggers = append([]backend.RuleResource(nil), f.Triggers...)
	out.Actions = append([]backend.RuleResource(nil), f.Actions...)
	return out, true
}

// FailWith makes every request with the given method whose path ends with
// suffix answer status until ClearFailures is called. An empty method
// matches every method.
func (a *FlowsAPI) FailWith(method, suffix string, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, failure{method: method, suffix: suffix, status: status})
}

// ClearFailures removes every injected failure.
func (a *FlowsAPI) ClearFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = nil
}

// Requests returns every recorded request in arrival order.
func (a *FlowsAPI) Requests() []RecordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RecordedRequest(nil), a.requests...)
}

// Calls returns "METHOD path" for every recorded request that is not a read.
func (a *FlowsAPI) Calls() []string {
	var out []string
	for _, r := range a.Requests() {
		if r.Method != http.MethodGet {
			out = append(out, r.Method+" "+r.Path)
		}
	}
	return out
}

// CountMatching returns how many recorded requests have the method and a
// path containing fragment.
func (a *FlowsAPI) CountMatching(method, fragment string) int {
	n := 0
	for _, r := range a.Requests() {
		if r.Method == method && strings.Contains(r.Path, fragment) {
			n++
		}
	}
	return n
}

// Reset forgets the recorded requests.
func (a *FlowsAPI) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = nil
}

func (a *FlowsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := RecordedRequest{Method: r.Method, Path: r.URL.Path, Headers: r.Header.Clone()}
	data, _ := io.ReadAll(r.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}
	r.Body = io.NopCloser(strings.NewReader(string(data)))

	a.mu.Lock()
	a.requests = append(a.requests, rec)
	status := 0
	for _, f := range a.failures {
		if (f.method == "" || f.method == r.Method) && strings.HasSuffix(r.URL.Path, f.suffix) {
			status = f.status
		}
	}
	a.mu.Unlock()

	if status != 0 {
		writeRemoteError(w, status, "injected failure")
		return
	}
	a.mux.ServeHTTP(w, r)
}

func refOf(r *http.Request) model.FlowRef {
	eventID := r.PathValue("eventId")
	return model.FlowRef{IsTemplate: eventID == "", EventID: eventID, FlowID: r.PathValue("flowId")}
}

// lookup returns the stored flow. The caller holds a.mu.
func (a *FlowsAPI) lookup(w http.ResponseWriter, r *http.Request) (*backend.FlowResource, bool) {
	f, ok := a.flows[refOf(r).String()]
	if !ok {
		writeRemoteError(w, http.StatusNotFound, "flow "+refOf(r).String()+" not found")
	}
	return f, ok
}

func (a *FlowsAPI) getFlow(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, f)
	}
}

func (a *FlowsAPI) updateMetadata(w http.ResponseWriter, r *http.Request) {
	var p model.FlowMetadataPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeRemoteError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.lookup(w, r)
	if !ok {
		return
	}
	f.Name = p.Name
	f.Description = p.Description
	if p.MultipleRuns != nil {
		f.MultipleRuns = *p.MultipleRuns
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *FlowsAPI) deleteFlow(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.lookup(w, r); !ok {
		return
	}
	delete(a.flows, refOf(r).String())
	w.WriteHeader(http.StatusNoContent)
}

// rules returns the collection named in the path. The caller holds a.mu.
func rules(f *backend.FlowResource, collection string) (*[]backend.RuleResource, bool) {
	switch collection {
	case "triggers":
		return &f.Triggers, true
	case "actions":
		return &f.Actions, true
	}
	return nil, false
}

func decodeRule(r *http.Request) (backend.RuleResource, error) {
	var rr backend.RuleResource
	err := json.NewDecoder(r.Body).Decode(&rr)
	return rr, err
}

func (a *FlowsAPI) createRule(w http.ResponseWriter, r *http.Request) {
	rr, err := decodeRule(r)
	if err != nil {
		writeRemoteError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.lookup(w, r)
	if !ok {
		return
	}
	coll, ok := rules(f, r.PathValue("collection"))
	if !ok {
		writeRemoteError(w, http.StatusNotFound, "unknown collection")
		return
	}
	a.nextID++
	rr.ID = fmt.Sprintf("rule-%d", a.nextID)
	*coll = append(*coll, rr)
	writeJSON(w, http.StatusCreated, rr)
}

func (a *FlowsAPI) updateRule(w http.ResponseWriter, r *http.Request) {
	rr, err := decodeRule(r)
	if err != nil {
		writeRemoteError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.lookup(w, r)
	if !ok {
		return
	}
	coll, ok := rules(f, r.PathValue("collection"))
	if !ok {
		writeRemoteError(w, http.StatusNotFound, "unknown collection")
		return
	}
	id := r.PathValue("ruleId")
	for i := range *coll {
		if (*coll)[i].ID == id {
			rr.ID = id
			(*coll)[i] = rr
			writeJSON(w, http.StatusOK, rr)
			return
		}
	}
	writeRemoteError(w, http.StatusNotFound, "rule "+id+" not found")
}

func (a *FlowsAPI) deleteRule(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.lookup(w, r)
	if !ok {
		return
	}
	coll, ok := rules(f, r.PathValue("collection"))
	if !ok {
		writeRemoteError(w, http.StatusNotFound, "unknown collection")
		return
	}
	id := r.PathValue("ruleId")
	for i := range *coll {
		if (*coll)[i].ID == id {
			*coll = append((*coll)[:i], (*coll)[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeRemoteError(w, http.StatusNotFound, "rule "+id+" not found")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRemoteError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"code": http.StatusText(status), "message": msg})
}
