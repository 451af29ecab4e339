package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "flowdesk"

var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = prometheus.ExponentialBucketsRange(0.005, 5, 9)
	bodySizeBuckets        = prometheus.ExponentialBuckets(128, 8, 6)
	saveFanOutBuckets      = []float64{1, 2, 5, 10, 20, 50}
)

// Metrics is the set of flowdesk instruments. A nil *Metrics records nothing,
// so components built without one (tools, most unit tests) need no guards.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	FlowSavesTotal       *prometheus.CounterVec
	FlowSaveDuration     *prometheus.HistogramVec
	FlowSaveCalls        *prometheus.HistogramVec
	FlowDeletesTotal     *prometheus.CounterVec
	RuleOperationsTotal  *prometheus.CounterVec
	RuleDeletesTotal     *prometheus.CounterVec
	RuleValidationErrors *prometheus.CounterVec

	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	FlowCacheHitsTotal         prometheus.Counter
	FlowCacheMissesTotal       prometheus.Counter
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotentReplaysTotal     prometheus.Counter

	DraftOperationsTotal *prometheus.CounterVec
	DraftsExpiredTotal   prometheus.Counter

	RegistryReloadTotal      *prometheus.CounterVec
	RegistryOverrides        prometheus.Gauge
	OpenAPIOperationsIndexed *prometheus.GaugeVec
}

func opts(subsystem, name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help}
}

func histogram(subsystem, name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}
}

// InitMetrics creates the instruments and registers them with reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(o prometheus.Opts) prometheus.Counter { return f.NewCounter(prometheus.CounterOpts(o)) }
	counterVec := func(o prometheus.Opts, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts(o), labels)
	}
	gaugeVec := func(o prometheus.Opts, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts(o), labels)
	}
	route := []string{"method", "path_pattern"}

	return &Metrics{
		HTTPRequestsTotal: counterVec(opts("http", "requests_total", "Console API requests served."),
			"method", "path_pattern", "status"),
		HTTPRequestDuration: f.NewHistogramVec(histogram("http", "request_duration_seconds",
			"Console API request latency.", httpDurationBuckets), route),
		HTTPRequestSizeBytes: f.NewHistogramVec(histogram("http", "request_size_bytes",
			"Console API request body size.", bodySizeBuckets), route),
		HTTPResponseSizeBytes: f.NewHistogramVec(histogram("http", "response_size_bytes",
			"Console API response body size.", bodySizeBuckets), route),

		FlowSavesTotal: counterVec(opts("flow", "saves_total", "Flow saves by scope and outcome."),
			"scope", "status"),
		FlowSaveDuration: f.NewHistogramVec(histogram("flow", "save_duration_seconds",
			"Wall time of a flow save across its concurrent calls.", backendDurationBuckets), []string{"scope"}),
		FlowSaveCalls: f.NewHistogramVec(histogram("flow", "save_calls",
			"Remote calls issued per flow save.", saveFanOutBuckets), []string{"scope"}),
		FlowDeletesTotal: counterVec(opts("flow", "deletes_total", "Flow deletes by scope and outcome."),
			"scope", "status"),
		RuleOperationsTotal: counterVec(opts("rule", "operations_total", "Rule create and update calls issued by saves."),
			"scope", "kind", "operation", "status"),
		RuleDeletesTotal: counterVec(opts("rule", "deletes_total", "Immediate rule deletes."),
			"scope", "kind", "status"),
		RuleValidationErrors: counterVec(opts("rule", "validation_errors_total", "Rule edits rejected by detail validation."),
			"type"),

		BackendRequestsTotal: counterVec(opts("backend", "requests_total", "Flows API requests by operation and status code."),
			"service_id", "operation_id", "status"),
		BackendRequestDuration: f.NewHistogramVec(histogram("backend", "request_duration_seconds",
			"Flows API request latency.", backendDurationBuckets), []string{"service_id"}),
		BackendCircuitBreakerState: gaugeVec(opts("backend", "circuit_breaker_state",
			"Flows API breaker position: 0 closed, 1 half-open, 2 open."), "service_id"),
		BackendRetriesTotal: counterVec(opts("backend", "retries_total", "Flows API request retries."),
			"service_id"),

		FlowCacheHitsTotal:         counter(opts("flow", "cache_hits_total", "Flow reads served from cache.")),
		FlowCacheMissesTotal:       counter(opts("flow", "cache_misses_total", "Flow reads that went to the flows API.")),
		CapabilityCacheHitsTotal:   counter(opts("capability", "cache_hits_total", "Capability lookups served from cache.")),
		CapabilityCacheMissesTotal: counter(opts("capability", "cache_misses_total", "Capability lookups resolved from policy.")),
		IdempotentReplaysTotal:     counter(opts("", "idempotent_replays_total", "Saves answered from a recorded result.")),

		DraftOperationsTotal: counterVec(opts("draft", "operations_total", "Draft operations by outcome."),
			"operation", "status"),
		DraftsExpiredTotal: counter(opts("", "drafts_expired_total", "Drafts removed after their TTL.")),

		RegistryReloadTotal: counterVec(opts("registry", "reload_total", "Rule type override reloads."), "status"),
		RegistryOverrides: f.NewGauge(prometheus.GaugeOpts(opts("registry", "overrides",
			"Rule type display overrides in effect."))),
		OpenAPIOperationsIndexed: gaugeVec(opts("openapi", "operations_indexed", "Operations indexed per service."),
			"service_id"),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordFlowSave records a save, its duration and how many calls it fanned
// out to.
func (m *Metrics) RecordFlowSave(scope, status string, calls int, duration time.Duration) {
	if m == nil {
		return
	}
	m.FlowSavesTotal.WithLabelValues(scope, status).Inc()
	m.FlowSaveDuration.WithLabelValues(scope).Observe(duration.Seconds())
	m.FlowSaveCalls.WithLabelValues(scope).Observe(float64(calls))
}

func (m *Metrics) RecordRuleOperation(scope, kind, operation, status string) {
	if m != nil {
		m.RuleOperationsTotal.WithLabelValues(scope, kind, operation, status).Inc()
	}
}

func (m *Metrics) RecordRuleDelete(scope, kind, status string) {
	if m != nil {
		m.RuleDeletesTotal.WithLabelValues(scope, kind, status).Inc()
	}
}

func (m *Metrics) RecordFlowDelete(scope, status string) {
	if m != nil {
		m.FlowDeletesTotal.WithLabelValues(scope, status).Inc()
	}
}

func (m *Metrics) RecordRuleValidationError(ruleType string) {
	if m != nil {
		m.RuleValidationErrors.WithLabelValues(ruleType).Inc()
	}
}

// RecordBackendRequest records one attempt against the flows API. Status 0
// stands for a transport failure.
func (m *Metrics) RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(serviceID, operationID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	if m != nil {
		m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
	}
}

func (m *Metrics) RecordBackendRetry(serviceID string) {
	if m != nil {
		m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
	}
}

func (m *Metrics) RecordFlowCacheHit() {
	if m != nil {
		m.FlowCacheHitsTotal.Inc()
	}
}

func (m *Metrics) RecordFlowCacheMiss() {
	if m != nil {
		m.FlowCacheMissesTotal.Inc()
	}
}

func (m *Metrics) RecordCapabilityCacheHit() {
	if m != nil {
		m.CapabilityCacheHitsTotal.Inc()
	}
}

func (m *Metrics) RecordCapabilityCacheMiss() {
	if m != nil {
		m.CapabilityCacheMissesTotal.Inc()
	}
}

// RecordIdempotentReplay counts a save answered from a recorded result.
func (m *Metrics) RecordIdempotentReplay() {
	if m != nil {
		m.IdempotentReplaysTotal.Inc()
	}
}

func (m *Metrics) RecordDraftOperation(operation, status string) {
	if m != nil {
		m.DraftOperationsTotal.WithLabelValues(operation, status).Inc()
	}
}

func (m *Metrics) RecordDraftsExpired(n int) {
	if m != nil && n > 0 {
		m.DraftsExpiredTotal.Add(float64(n))
	}
}

// RecordRegistryReload counts a reload. The override gauge only moves on
// success; a failed reload keeps the previous overrides.
func (m *Metrics) RecordRegistryReload(status string, overrides int) {
	if m == nil {
		return
	}
	m.RegistryReloadTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.RegistryOverrides.Set(float64(overrides))
	}
}

func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count float64) {
	if m != nil {
		m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(count)
	}
}

// MetricsMiddleware records every request under its chi route pattern, so
// flow and draft ids never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r = withRouteContext(r)
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.RecordHTTPRequest(r.Method, routePattern(r), rec.status, time.Since(start),
			int(max(r.ContentLength, 0)), rec.bytes)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern joins the patterns chi matched, or returns the raw path when
// nothing matched.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.ReplaceAll(strings.Join(rctx.RoutePatterns, ""), "/*/", "/"), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
