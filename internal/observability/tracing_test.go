package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/model"
)

// setupTestTracer installs a provider that samples everything into memory.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	return spans[0]
}

// --- InitTracing ---

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unknown exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "flowdesk-test", "dev")
			if tt.wantErr {
				if err == nil {
					t.Fatal("InitTracing() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	for _, rate := range []float64{-1, 0, 0.25, 1, 3} {
		if s := newSampler(rate); s == nil || s.Description() == "" {
			t.Errorf("newSampler(%v) = %v, want a described sampler", rate, s)
		}
	}
	if d := newSampler(1).Description(); !strings.Contains(d, "AlwaysOnSampler") {
		t.Errorf("newSampler(1) = %q, want always-on root sampling", d)
	}
}

// --- Spans ---

func TestStartFlowSpan_eventFlow(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartFlowSpan(context.Background(), "flow.delete_rule",
		model.FlowRef{EventID: "e1", FlowID: "f1"},
		AttrRuleKind.String("trigger"),
	)
	span.End()

	attrs := spanAttrMap(onlySpan(t, exporter))
	want := map[string]string{
		"flowdesk.flow_id":   "f1",
		"flowdesk.event_id":  "e1",
		"flowdesk.scope":     "event",
		"flowdesk.rule_kind": "trigger",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestStartFlowSpan_templateHasNoEvent(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartFlowSpan(context.Background(), "flow.save", model.FlowRef{IsTemplate: true, FlowID: "tpl1"})
	span.End()

	attrs := spanAttrMap(onlySpan(t, exporter))
	if _, ok := attrs["flowdesk.event_id"]; ok {
		t.Error("template span carries an event id")
	}
	if attrs["flowdesk.scope"] != "template" {
		t.Errorf("scope = %q, want template", attrs["flowdesk.scope"])
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "flow.save")
	EndSpanWithError(failed, errors.New("2 of 3 calls failed"))
	_, ok := StartSpan(context.Background(), "flow.load")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "2 of 3 calls failed" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("error not recorded as an event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}

func TestTraceAndSpanIDFromContext(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext(no span) = %q, want empty", got)
	}
	if got := SpanIDFromContext(context.Background()); got != "" {
		t.Errorf("SpanIDFromContext(no span) = %q, want empty", got)
	}

	setupTestTracer(t)
	ctx, span := StartSpan(context.Background(), "flow.load")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q, want %q", got, span.SpanContext().TraceID())
	}
	if got := SpanIDFromContext(ctx); got != span.SpanContext().SpanID().String() {
		t.Errorf("SpanIDFromContext = %q, want %q", got, span.SpanContext().SpanID())
	}
}

func TestSpanHierarchy_save(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, save := StartFlowSpan(context.Background(), "flow.save", model.FlowRef{EventID: "e1", FlowID: "f1"})
	for _, op := range []string{"updateEventFlowMetadata", "createEventFlowTrigger"} {
		_, call := StartSpan(ctx, "backend.invoke", AttrOperationID.String(op))
		call.End()
	}
	save.End()

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	root := spans[2]
	for _, s := range spans[:2] {
		if s.Parent.SpanID() != root.SpanContext.SpanID() {
			t.Errorf("%s parent = %s, want flow.save", s.Name, s.Parent.SpanID())
		}
	}
}

// --- Middleware ---

func flowRouter(status int) http.Handler {
	r := chi.NewRouter()
	r.Post("/ui/drafts/{draftId}/save", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
	return r
}

func TestTracingMiddleware_namesSpanAfterRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	req := httptest.NewRequest(http.MethodPost, "/ui/drafts/d-42/save", nil)
	TracingMiddleware(flowRouter(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), req)

	s := onlySpan(t, exporter)
	if s.Name != "POST /ui/drafts/{draftId}/save" {
		t.Errorf("span name = %q, want the route pattern", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", s.SpanKind)
	}
	attrs := spanAttrMap(s)
	if attrs["http.route"] != "/ui/drafts/{draftId}/save" {
		t.Errorf("http.route = %q", attrs["http.route"])
	}
	if attrs["url.path"] != "/ui/drafts/d-42/save" {
		t.Errorf("url.path = %q", attrs["url.path"])
	}
	if attrs["http.response.status_code"] != "200" {
		t.Errorf("status code = %q, want 200", attrs["http.response.status_code"])
	}
}

func TestTracingMiddleware_unroutedKeepsPath(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/ui/drafts", nil))

	s := onlySpan(t, exporter)
	if s.Name != "POST /ui/drafts" {
		t.Errorf("span name = %q, want POST /ui/drafts", s.Name)
	}
	if spanAttrMap(s)["http.response.status_code"] != "201" {
		t.Errorf("status code = %q, want 201", spanAttrMap(s)["http.response.status_code"])
	}
}

func TestTracingMiddleware_serverErrorMarksSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	req := httptest.NewRequest(http.MethodPost, "/ui/drafts/d-1/save", nil)
	TracingMiddleware(flowRouter(http.StatusBadGateway)).ServeHTTP(httptest.NewRecorder(), req)

	if s := onlySpan(t, exporter); s.Status.Code != codes.Error {
		t.Errorf("status = %v, want error for 502", s.Status.Code)
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := setupTestTracer(t)

	const traceID, parentID = "0af7651916cd43dd8448eb211c80319c", "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodPost, "/ui/drafts/d-1/save", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentID+"-01")
	rec := httptest.NewRecorder()
	TracingMiddleware(flowRouter(http.StatusOK)).ServeHTTP(rec, req)

	s := onlySpan(t, exporter)
	if got := s.SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace id = %q, want %q", got, traceID)
	}
	if got := s.Parent.SpanID().String(); got != parentID {
		t.Errorf("parent span id = %q, want %q", got, parentID)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response carries no Traceparent")
	}
}

func TestOuterMiddleware_seesRoutePattern(t *testing.T) {
	setupTestTracer(t)
	m, _ := registryMetrics(t)

	handler := m.MetricsMiddleware(TracingMiddleware(flowRouter(http.StatusOK)))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/ui/drafts/d-7/save", nil))

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/ui/drafts/{draftId}/save", "200"))
	if got != 1 {
		t.Errorf("requests labelled with the route = %v, want 1", got)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "backend.invoke")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if !strings.Contains(headers.Get("Traceparent"), span.SpanContext().TraceID().String()) {
		t.Errorf("Traceparent = %q, want the active trace", headers.Get("Traceparent"))
	}
}

// spanAttrMap flattens span attributes to their string form.
func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}
