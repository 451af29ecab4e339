package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/flowdesk/internal/cache"
	"github.com/pitabwire/flowdesk/internal/flow"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/model"
)

// apiCall is one call recorded by fakeAPI.
type apiCall struct {
	Method  string
	OrgID   string
	Ref     model.FlowRef
	Kind    model.RuleKind
	RuleID  string
	Payload any
}

// fakeAPI records calls and fails those matched by failOn.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	failOn  func(c apiCall) error
	flow    model.Flow
	nextID  atomic.Int32
	prefix  string
	onEnter func()
}

func newFakeAPI(prefix string) *fakeAPI {
	return &fakeAPI{prefix: prefix}
}

func (f *fakeAPI) record(rctx *model.RequestContext, c apiCall) error {
	c.OrgID = rctx.OrganizationID
	f.mu.Lock()
	f.calls = append(f.calls, c)
	fail := f.failOn
	enter := f.onEnter
	f.mu.Unlock()
	if enter != nil {
		enter()
	}
	if fail != nil {
		return fail(c)
	}
	return nil
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func (f *fakeAPI) count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeAPI) GetFlow(_ context.Context, rctx *model.RequestContext, ref model.FlowRef) (model.Flow, error) {
	if err := f.record(rctx, apiCall{Method: "GetFlow", Ref: ref}); err != nil {
		return model.Flow{}, err
	}
	return f.flow.Clone(), nil
}

func (f *fakeAPI) UpdateMetadata(_ context.Context, rctx *model.RequestContext, ref model.FlowRef, p model.FlowMetadataPayload) error {
	return f.record(rctx, apiCall{Method: "UpdateMetadata", Ref: ref, Payload: p})
}

func (f *fakeAPI) CreateRule(_ context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, p model.RulePayload) (model.Rule, error) {
	if err := f.record(rctx, apiCall{Method: "CreateRule", Ref: ref, Kind: kind, Payload: p}); err != nil {
		return model.Rule{}, err
	}
	id := fmt.Sprintf("%s-%d", f.prefix, f.nextID.Add(1))
	return model.Rule{ID: id, FlowID: ref.FlowID, Kind: kind, Type: p.Type, ExistInDB: true}, nil
}

func (f *fakeAPI) UpdateRule(_ context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, ruleID string, p model.RulePayload) (model.Rule, error) {
	if err := f.record(rctx, apiCall{Method: "UpdateRule", Ref: ref, Kind: kind, RuleID: ruleID, Payload: p}); err != nil {
		return model.Rule{}, err
	}
	return model.Rule{ID: ruleID, ExistInDB: true}, nil
}

func (f *fakeAPI) DeleteRule(_ context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, ruleID string) error {
	return f.record(rctx, apiCall{Method: "DeleteRule", Ref: ref, Kind: kind, RuleID: ruleID})
}

func (f *fakeAPI) DeleteFlow(_ context.Context, rctx *model.RequestContext, ref model.FlowRef) error {
	return f.record(rctx, apiCall{Method: "DeleteFlow", Ref: ref})
}

func session() *model.RequestContext {
	return &model.RequestContext{SubjectID: "user-1", OrganizationID: "org1", Token: "tok"}
}

func eventFlow() model.Flow {
	return model.Flow{ID: "f1", EventID: "e1", Name: "Reminders", Triggers: []model.Rule{}, Actions: []model.Rule{}}
}

func persistedRule(id string, kind model.RuleKind, t model.RuleType, d model.Details) model.Rule {
	return model.Rule{ID: id, FlowID: "f1", Kind: kind, Type: t, Details: d, ExistInDB: true}
}

func fixedEditor() *flow.Editor {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return flow.NewEditor(nil, nil, flow.WithClock(func() time.Time { return now }))
}

// --- Save ---

func TestSave_eventFlowScenario(t *testing.T) {
	templates, events := newFakeAPI("tpl"), newFakeAPI("evt")
	m := NewManager(templates, events)

	f, added, err := fixedEditor().AddTrigger(eventFlow(), flow.RuleInput{
		Type:    model.TriggerRegistration,
		Details: model.RegistrationTriggerDetails{},
	})
	if err != nil {
		t.Fatalf("AddTrigger error: %v", err)
	}

	saved, report, err := m.Save(context.Background(), session(), f)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if n := len(templates.Calls()); n != 0 {
		t.Errorf("template API calls = %d, want 0", n)
	}
	if n := events.count("CreateRule"); n != 1 {
		t.Fatalf("event CreateRule calls = %d, want 1", n)
	}
	if n := events.count("UpdateMetadata"); n != 1 {
		t.Errorf("event UpdateMetadata calls = %d, want 1", n)
	}
	for _, c := range events.Calls() {
		if c.Method != "CreateRule" {
			continue
		}
		if c.OrgID != "org1" || c.Ref.EventID != "e1" || c.Ref.FlowID != "f1" || c.Kind != model.KindTrigger {
			t.Errorf("create call = %+v, want (org1, e1, f1, trigger)", c)
		}
		p := c.Payload.(model.RulePayload)
		if p.Type != model.TriggerRegistration {
			t.Errorf("payload type = %q, want registration", p.Type)
		}
	}

	if report.Calls() != 2 || report.Count(OpCreate) != 1 || report.Count(OpMetadata) != 1 {
		t.Errorf("report = %+v", report.Results)
	}
	if len(saved.Triggers) != 1 || !saved.Triggers[0].ExistInDB {
		t.Fatalf("saved triggers = %+v, want one persisted trigger", saved.Triggers)
	}
	if saved.Triggers[0].ID != "evt-1" {
		t.Errorf("saved trigger id = %q, want server id evt-1", saved.Triggers[0].ID)
	}
	if report.Results[1].LocalID != added.ID || report.Results[1].ServerID != "evt-1" {
		t.Errorf("result = %+v, want local %q server evt-1", report.Results[1], added.ID)
	}
	if f.Triggers[0].ExistInDB {
		t.Error("Save mutated its input flow")
	}
}

func TestSave_templateNeverTouchesEventAPI(t *testing.T) {
	templates, events := newFakeAPI("tpl"), newFakeAPI("evt")
	m := NewManager(templates, events)

	f := model.Flow{
		ID: "f1", IsTemplate: true, Name: "Onboarding",
		Triggers: []model.Rule{persistedRule("t1", model.KindTrigger, model.TriggerStatus, model.StatusTriggerDetails{Status: "published"})},
		Actions: []model.Rule{
			persistedRule("a1", model.KindAction, model.ActionTitleChange, model.TitleChangeActionDetails{NewTitle: "x"}),
			{ID: "action-1", FlowID: "f1", Kind: model.KindAction, Type: model.ActionEmail, Details: model.EmailActionDetails{TemplateID: "t"}},
		},
	}

	saved, report, err := m.Save(context.Background(), session(), f)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if n := len(events.Calls()); n != 0 {
		t.Errorf("event API calls = %d, want 0", n)
	}
	if got := templates.count("UpdateRule"); got != 2 {
		t.Errorf("UpdateRule calls = %d, want 2", got)
	}
	if got := templates.count("CreateRule"); got != 1 {
		t.Errorf("CreateRule calls = %d, want 1", got)
	}
	if report.Calls() != 4 {
		t.Errorf("report calls = %d, want 4", report.Calls())
	}
	for _, c := range templates.Calls() {
		if c.Method == "UpdateMetadata" {
			p := c.Payload.(model.FlowMetadataPayload)
			if p.MultipleRuns != nil {
				t.Error("template metadata carries multipleRuns")
			}
		}
	}
	wantIDs := []string{"a1", "tpl-1"}
	for i, r := range saved.Actions {
		if r.ID != wantIDs[i] || !r.ExistInDB {
			t.Errorf("Actions[%d] = (%q, %v), want (%q, true)", i, r.ID, r.ExistInDB, wantIDs[i])
		}
	}
}

func TestSave_partialFailureLeavesFlowUnchanged(t *testing.T) {
	templates, events := newFakeAPI("tpl"), newFakeAPI("evt")
	remote := model.NewBackendUnavailableError()
	events.failOn = func(c apiCall) error {
		if c.Method == "UpdateRule" && c.RuleID == "a1" {
			return remote
		}
		return nil
	}
	store := cache.NewMemory(time.Minute)
	m := NewManager(templates, events, WithCache(store, "p:"))

	f := eventFlow()
	f.Triggers = []model.Rule{{ID: "trigger-1", FlowID: "f1", Kind: model.KindTrigger, Type: model.TriggerStatus, Details: model.StatusTriggerDetails{Status: "cancelled"}}}
	f.Actions = []model.Rule{persistedRule("a1", model.KindAction, model.ActionNotification, model.NotificationActionDetails{Message: "hi"})}
	key := cache.Key("p:", "org1", f.Ref())
	_ = store.Set(context.Background(), key, f)

	saved, report, err := m.Save(context.Background(), session(), f)
	if err == nil {
		t.Fatal("Save succeeded, want error")
	}

	se, ok := AsSaveError(err)
	if !ok {
		t.Fatalf("err = %T, want *SaveError", err)
	}
	if len(se.Failed) != 1 || se.Failed[0].LocalID != "a1" || se.Failed[0].Operation != OpUpdate {
		t.Errorf("failed = %+v", se.Failed)
	}
	if !errors.Is(err, remote) {
		t.Error("errors.Is(err, remote) = false")
	}
	if !model.IsCode(err, model.ErrBackendUnavailable) {
		t.Error("IsCode(BACKEND_UNAVAILABLE) = false through SaveError")
	}

	// every call was still issued and awaited
	if report.Calls() != 3 || events.count("CreateRule") != 1 {
		t.Errorf("calls = %d, creates = %d, want 3 and 1", report.Calls(), events.count("CreateRule"))
	}
	if saved.Triggers[0].ID != "trigger-1" || saved.Triggers[0].ExistInDB {
		t.Errorf("trigger = %+v, want unchanged unpersisted trigger-1", saved.Triggers[0])
	}
	if _, ok, _ := store.Get(context.Background(), key); !ok {
		t.Error("failed save invalidated the cache")
	}

	env := se.Envelope()
	if env.Code != model.ErrSaveFailed || len(env.Details) != 1 {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Details[0].Field != "actions/a1" || env.Details[0].Code != model.ErrBackendUnavailable {
		t.Errorf("detail = %+v", env.Details[0])
	}
}

func TestSave_metadataFailureBlocksFlip(t *testing.T) {
	events := newFakeAPI("evt")
	events.failOn = func(c apiCall) error {
		if c.Method == "UpdateMetadata" {
			return model.NewConflictError("stale")
		}
		return nil
	}
	m := NewManager(newFakeAPI("tpl"), events)

	f := eventFlow()
	f.Actions = []model.Rule{{ID: "action-1", FlowID: "f1", Kind: model.KindAction, Type: model.ActionEmail, Details: model.EmailActionDetails{TemplateID: "t"}}}

	saved, _, err := m.Save(context.Background(), session(), f)
	se, ok := AsSaveError(err)
	if !ok || se.Failed[0].Item() != "metadata" {
		t.Fatalf("err = %v, want metadata SaveError", err)
	}
	if saved.Actions[0].ExistInDB || saved.Actions[0].ID != "action-1" {
		t.Errorf("action = %+v, want unchanged", saved.Actions[0])
	}
}

func TestSave_successInvalidatesCache(t *testing.T) {
	events := newFakeAPI("evt")
	store := cache.NewMemory(time.Minute)
	m := NewManager(newFakeAPI("tpl"), events, WithCache(store, "p:"))

	f := eventFlow()
	key := cache.Key("p:", "org1", f.Ref())
	_ = store.Set(context.Background(), key, f)

	if _, _, err := m.Save(context.Background(), session(), f); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, ok, _ := store.Get(context.Background(), key); ok {
		t.Error("cache entry survived a successful save")
	}
}

func TestSave_emptyFlowSendsOnlyMetadata(t *testing.T) {
	events := newFakeAPI("evt")
	m := NewManager(newFakeAPI("tpl"), events)

	_, report, err := m.Save(context.Background(), session(), eventFlow())
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if report.Calls() != 1 || events.count("UpdateMetadata") != 1 {
		t.Errorf("calls = %v", events.Calls())
	}
}

func TestSave_debugLogsRedactedPayloads(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	events := newFakeAPI("evt")
	m := NewManager(newFakeAPI("tpl"), events)

	f := eventFlow()
	f.Actions = []model.Rule{persistedRule("a1", model.KindAction, model.ActionFileShare, model.FileShareActionDetails{
		FileName: "agenda.pdf",
		FileURL:  "https://files.example.com/agenda.pdf?sig=abc",
	})}
	ctx := observability.WithLogger(context.Background(), zap.New(core))
	if _, _, err := m.Save(ctx, session(), f); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	writes := logs.FilterMessage("writing rule").All()
	if len(writes) != 1 {
		t.Fatalf("rule write entries = %d, want 1", len(writes))
	}
	fields := writes[0].ContextMap()
	if fields["operation"] != string(OpUpdate) || fields["rule_id"] != "a1" {
		t.Errorf("fields = %v", fields)
	}
	details, _ := fields["details"].(map[string]any)
	if details["fileUrl"] != "[REDACTED]" || details["fileName"] != "agenda.pdf" {
		t.Errorf("details = %v, want the file link redacted", details)
	}
	if saved := logs.FilterMessage("flow saved").All(); len(saved) != 1 || saved[0].ContextMap()["event_id"] != "e1" {
		t.Errorf("flow saved entry = %v", saved)
	}
}

func TestSave_callsRunConcurrently(t *testing.T) {
	events := newFakeAPI("evt")
	const total = 5 // metadata + 4 rules
	var arrived atomic.Int32
	release := make(chan struct{})
	events.onEnter = func() {
		if arrived.Add(1) == total {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
	}
	m := NewManager(newFakeAPI("tpl"), events, WithConcurrency(total))

	f := eventFlow()
	for i := 0; i < 2; i++ {
		f.Triggers = append(f.Triggers, model.Rule{ID: fmt.Sprintf("trigger-%d", i), FlowID: "f1", Kind: model.KindTrigger, Type: model.TriggerRegistration, Details: model.RegistrationTriggerDetails{}})
		f.Actions = append(f.Actions, persistedRule(fmt.Sprintf("a%d", i), model.KindAction, model.ActionTitleChange, model.TitleChangeActionDetails{NewTitle: "t"}))
	}

	start := time.Now()
	if _, _, err := m.Save(context.Background(), session(), f); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("save took %v, calls were not issued concurrently", elapsed)
	}
}

func TestSave_respectsConcurrencyLimit(t *testing.T) {
	events := newFakeAPI("evt")
	var inflight, peak atomic.Int32
	events.onEnter = func() {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
	}
	m := NewManager(newFakeAPI("tpl"), events, WithConcurrency(2))

	f := eventFlow()
	for i := 0; i < 6; i++ {
		f.Actions = append(f.Actions, persistedRule(fmt.Sprintf("a%d", i), model.KindAction, model.ActionTitleChange, model.TitleChangeActionDetails{NewTitle: "t"}))
	}
	if _, _, err := m.Save(context.Background(), session(), f); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak in-flight calls = %d, want <= 2", p)
	}
}

func TestSave_rejectsInvalidFlow(t *testing.T) {
	events := newFakeAPI("evt")
	m := NewManager(newFakeAPI("tpl"), events)

	f := eventFlow()
	f.EventID = ""
	if _, _, err := m.Save(context.Background(), session(), f); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("err = %v, want VALIDATION_ERROR for missing event id", err)
	}

	f = eventFlow()
	f.Triggers = []model.Rule{{ID: "t", FlowID: "other", Kind: model.KindTrigger}}
	if _, _, err := m.Save(context.Background(), session(), f); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("err = %v, want VALIDATION_ERROR for foreign rule", err)
	}
	if n := len(events.Calls()); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
}

func TestSave_metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	m := NewManager(newFakeAPI("tpl"), newFakeAPI("evt"), WithMetrics(metrics))

	f := eventFlow()
	f.Triggers = []model.Rule{{ID: "trigger-1", FlowID: "f1", Kind: model.KindTrigger, Type: model.TriggerRegistration, Details: model.RegistrationTriggerDetails{}}}
	if _, _, err := m.Save(context.Background(), session(), f); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if got := testutil.ToFloat64(metrics.FlowSavesTotal.WithLabelValues("event", "success")); got != 1 {
		t.Errorf("flow saves = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.RuleOperationsTotal.WithLabelValues("event", "trigger", "create", "success")); got != 1 {
		t.Errorf("trigger creates = %v, want 1", got)
	}
}

// --- DeleteRule ---

func TestDeleteRule_persistedRemovedAfterRemoteSuccess(t *testing.T) {
	events := newFakeAPI("evt")
	m := NewManager(newFakeAPI("tpl"), events)

	f := eventFlow()
	f.Triggers = []model.Rule{
		persistedRule("t1", model.KindTrigger, model.TriggerStatus, model.StatusTriggerDetails{Status: "draft"}),
		persistedRule("t2", model.KindTrigger, model.TriggerRegistration, model.RegistrationTriggerDetails{}),
	}

	out, err := m.DeleteRule(context.Background(), session(), f, model.KindTrigger, "t1")
	if err != nil {
		t.Fatalf("DeleteRule error: %v", err)
	}
	if len(out.Triggers) != 1 || out.Triggers[0].ID != "t2" {
		t.Errorf("triggers = %+v, want [t2]", out.Triggers)
	}
	calls := events.Calls()
	if len(calls) != 1 || calls[0].Method != "DeleteRule" || calls[0].RuleID != "t1" || calls[0].Kind != model.KindTrigger {
		t.Errorf("calls = %+v, want one DeleteRule t1", calls)
	}
}

func TestDeleteRule_failureKeepsRule(t *testing.T) {
	templates := newFakeAPI("tpl")
	templates.failOn = func(apiCall) error { return model.NewBackendTimeoutError() }
	m := NewManager(templates, newFakeAPI("evt"))

	f := model.Flow{ID: "f1", IsTemplate: true,
		Actions: []model.Rule{persistedRule("a1", model.KindAction, model.ActionTitleChange, model.TitleChangeActionDetails{NewTitle: "t"})}}

	out, err := m.DeleteRule(context.Background(), session(), f, model.KindAction, "a1")
	if !model.IsCode(err, model.ErrBackendTimeout) {
		t.Fatalf("err = %v, want BACKEND_TIMEOUT", err)
	}
	if len(out.Actions) != 1 || out.Actions[0].ID != "a1" {
		t.Errorf("actions = %+v, want a1 kept", out.Actions)
	}
}

func TestDeleteRule_unpersistedIsLocal(t *testing.T) {
	events := newFakeAPI("evt")
	m := NewManager(newFakeAPI("tpl"), events)

	f := eventFlow()
	f.Actions = []model.Rule{{ID: "action-1", FlowID: "f1", Kind: model.KindAction, Type: model.ActionEmail}}

	out, err := m.DeleteRule(context.Background(), session(), f, model.KindAction, "action-1")
	if err != nil {
		t.Fatalf("DeleteRule error: %v", err)
	}
	if len(out.Actions) != 0 {
		t.Errorf("actions = %+v, want empty", out.Actions)
	}
	if n := len(events.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
}

func TestDeleteRule_notFound(t *testing.T) {
	m := NewManager(newFakeAPI("tpl"), newFakeAPI("evt"))
	_, err := m.DeleteRule(context.Background(), session(), eventFlow(), model.KindTrigger, "nope")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

// --- DeleteFlow ---

func TestDeleteFlow_routesByScope(t *testing.T) {
	templates, events := newFakeAPI("tpl"), newFakeAPI("evt")
	store := cache.NewMemory(time.Minute)
	m := NewManager(templates, events, WithCache(store, "p:"))
	ctx := context.Background()

	tref := model.FlowRef{IsTemplate: true, FlowID: "f1"}
	_ = store.Set(ctx, cache.Key("p:", "org1", tref), model.Flow{ID: "f1", IsTemplate: true})

	if err := m.DeleteFlow(ctx, session(), tref); err != nil {
		t.Fatalf("DeleteFlow(template) error: %v", err)
	}
	if err := m.DeleteFlow(ctx, session(), model.FlowRef{EventID: "e1", FlowID: "f2"}); err != nil {
		t.Fatalf("DeleteFlow(event) error: %v", err)
	}
	if templates.count("DeleteFlow") != 1 || events.count("DeleteFlow") != 1 {
		t.Errorf("template deletes = %d, event deletes = %d, want 1 and 1",
			templates.count("DeleteFlow"), events.count("DeleteFlow"))
	}
	if store.Len() != 0 {
		t.Error("deleted template still cached")
	}
}

func TestDeleteFlow_invalidRef(t *testing.T) {
	m := NewManager(newFakeAPI("tpl"), newFakeAPI("evt"))
	err := m.DeleteFlow(context.Background(), session(), model.FlowRef{IsTemplate: true, EventID: "e1", FlowID: "f1"})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("err = %v, want VALIDATION_ERROR", err)
	}
}

// --- Load ---

func TestLoad_readThrough(t *testing.T) {
	events := newFakeAPI("evt")
	events.flow = model.Flow{
		Name:     "Reminders",
		Triggers: []model.Rule{{ID: "t1", Type: model.TriggerStatus, Details: model.StatusTriggerDetails{Status: "draft"}}},
	}
	m := NewManager(newFakeAPI("tpl"), events, WithCache(cache.NewMemory(time.Minute), "p:"))
	ref := model.FlowRef{EventID: "e1", FlowID: "f1"}

	first, err := m.Load(context.Background(), session(), ref)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if first.ID != "f1" || first.EventID != "e1" {
		t.Errorf("flow ref = (%q, %q), want (f1, e1)", first.ID, first.EventID)
	}
	r := first.Triggers[0]
	if !r.ExistInDB || r.FlowID != "f1" || r.Kind != model.KindTrigger {
		t.Errorf("loaded rule = %+v, want persisted trigger of f1", r)
	}

	if _, err := m.Load(context.Background(), session(), ref); err != nil {
		t.Fatalf("second Load error: %v", err)
	}
	if n := events.count("GetFlow"); n != 1 {
		t.Errorf("GetFlow calls = %d, want 1 (second read cached)", n)
	}
}

func TestLoad_cacheIsPerOrganization(t *testing.T) {
	events := newFakeAPI("evt")
	m := NewManager(newFakeAPI("tpl"), events, WithCache(cache.NewMemory(time.Minute), "p:"))
	ref := model.FlowRef{EventID: "e1", FlowID: "f1"}

	_, _ = m.Load(context.Background(), session(), ref)
	other := session()
	other.OrganizationID = "org2"
	_, _ = m.Load(context.Background(), other, ref)

	if n := events.count("GetFlow"); n != 2 {
		t.Errorf("GetFlow calls = %d, want 2", n)
	}
}

func TestLoad_remoteError(t *testing.T) {
	templates := newFakeAPI("tpl")
	templates.failOn = func(apiCall) error { return model.NewNotFoundError("gone") }
	m := NewManager(templates, newFakeAPI("evt"))

	_, err := m.Load(context.Background(), session(), model.FlowRef{IsTemplate: true, FlowID: "f1"})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

// --- Reapply ---

func TestSaveReport_Reapply(t *testing.T) {
	m := NewManager(newFakeAPI("tpl"), newFakeAPI("evt"))

	f := eventFlow()
	f.Triggers = []model.Rule{
		persistedRule("t1", model.KindTrigger, model.TriggerStatus, model.StatusTriggerDetails{Status: "published"}),
		{ID: "trigger-new", FlowID: "f1", Kind: model.KindTrigger, Type: model.TriggerRegistration, Details: model.RegistrationTriggerDetails{}},
	}
	saved, report, err := m.Save(context.Background(), session(), f)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}

	// Meanwhile the flow was renamed and gained another local rule.
	later := f.Clone()
	later.Name = "Renamed"
	later.Triggers = append(later.Triggers, model.Rule{
		ID: "trigger-later", FlowID: "f1", Kind: model.KindTrigger, Type: model.TriggerRegistration, Details: model.RegistrationTriggerDetails{},
	})

	out := report.Reapply(later, saved)
	if out.Name != "Renamed" {
		t.Errorf("name = %q, want the later edit kept", out.Name)
	}
	want := []struct {
		id        string
		persisted bool
	}{{"t1", true}, {"evt-1", true}, {"trigger-later", false}}
	if len(out.Triggers) != len(want) {
		t.Fatalf("triggers = %+v", out.Triggers)
	}
	for i, w := range want {
		if r := out.Triggers[i]; r.ID != w.id || r.ExistInDB != w.persisted {
			t.Errorf("triggers[%d] = (%q, %v), want (%q, %v)", i, r.ID, r.ExistInDB, w.id, w.persisted)
		}
	}
	if later.Triggers[1].ID != "trigger-new" {
		t.Error("Reapply modified its input")
	}
}

func TestSaveReport_Reapply_skipsRulesRemovedSince(t *testing.T) {
	m := NewManager(newFakeAPI("tpl"), newFakeAPI("evt"))

	f := eventFlow()
	f.Actions = []model.Rule{{ID: "action-new", FlowID: "f1", Kind: model.KindAction, Type: model.ActionEmail, Details: model.EmailActionDetails{TemplateID: "welcome"}}}
	saved, report, err := m.Save(context.Background(), session(), f)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}

	later := f.Clone()
	later.Actions = []model.Rule{}
	if out := report.Reapply(later, saved); len(out.Actions) != 0 {
		t.Errorf("actions = %+v, want none", out.Actions)
	}
}
