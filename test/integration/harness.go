// Package integration runs the flowdesk HTTP surface end to end: real JWT
// verification, the real flows API client and lifecycle manager, and an
// in-memory flows API behind an httptest server.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/flowdesk/internal/backend"
	"github.com/pitabwire/flowdesk/internal/capability"
	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/draft"
	"github.com/pitabwire/flowdesk/internal/editor"
	"github.com/pitabwire/flowdesk/internal/flow"
	"github.com/pitabwire/flowdesk/internal/idempotency"
	"github.com/pitabwire/flowdesk/internal/lifecycle"
	"github.com/pitabwire/flowdesk/internal/openapi"
	"github.com/pitabwire/flowdesk/internal/registry"
	"github.com/pitabwire/flowdesk/internal/summary"
	"github.com/pitabwire/flowdesk/internal/transport"
)

// defaultPolicy maps the fixture roles to capabilities.
var defaultPolicy = map[string][]string{
	"flow_admin":    {"flows:*"},
	"event_manager": {"flows:events:*", "flows:templates:view"},
	"viewer":        {"flows:events:view"},
}

// TestHarness is a fully wired flowdesk server with an in-memory flows API.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	API     *FlowsAPI
	Manager *lifecycle.Manager
	Editor  *editor.Service
	Config  *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker        *config.CircuitBreakerConfig
	policy         map[string][]string
	handlerTimeout time.Duration
}

// WithCircuitBreaker overrides the flows API circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = &cb }
}

// WithPolicy replaces the role to capability policy.
func WithPolicy(roles map[string][]string) HarnessOption {
	return func(c *harnessConfig) { c.policy = roles }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// NewTestHarness starts a flowdesk server and its flows API. Both are closed
// when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{policy: defaultPolicy, handlerTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(hc)
	}

	issuer := newTokenIssuer(t)
	api := NewFlowsAPI()
	apiServer := httptest.NewServer(api)
	t.Cleanup(apiServer.Close)

	cfg := config.Defaults()
	cfg.Identity.Issuer = issuer.Issuer()
	cfg.Identity.Audience = issuer.Audience()
	cfg.Identity.JWKSURL = issuer.JWKSURL()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Backend.BaseURL = apiServer.URL
	cfg.Backend.Retry.MaxAttempts = 1
	if hc.breaker != nil {
		cfg.Backend.CircuitBreaker = *hc.breaker
	}

	idx := openapi.NewIndex()
	if err := backend.LoadIndex(idx, apiServer.URL, ""); err != nil {
		t.Fatalf("load flows API description: %v", err)
	}
	client, err := backend.NewClient(idx, cfg.Backend)
	if err != nil {
		t.Fatalf("create flows API client: %v", err)
	}

	reg := registry.New()
	sum := summary.New(reg, nil)
	manager := lifecycle.NewManager(
		backend.NewTemplateAPI(client),
		backend.NewEventFlowAPI(client),
		lifecycle.WithConcurrency(cfg.Save.Concurrency),
	)
	svc := editor.NewService(draft.NewMemoryStore(), manager, flow.NewEditor(reg, sum),
		editor.WithIdempotency(idempotency.NewMemory(), time.Hour),
	)
	resolver := capability.NewResolver(capability.NewStaticPolicy(hc.policy), time.Minute)

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, transport.NewJWKSClient(issuer.JWKSURL(), time.Hour)),
		CapabilityResolver: resolver,
		Registry:           reg,
		Summarizer:         sum,
		Flows:              manager,
		Editor:             svc,
		Logger:             zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestHarness{
		t:       t,
		server:  server,
		issuer:  issuer,
		API:     api,
		Manager: manager,
		Editor:  svc,
		Config:  cfg,
	}
}

// GenerateToken issues a valid token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken issues an expired token for claims.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Response is a fully read server response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Request sends method to path with an optional JSON body and headers.
func (h *TestHarness) Request(method, path, token string, body any, headers map[string]string) Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response: %v", err)
	}
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: data}
}

// GET sends a GET request.
func (h *TestHarness) GET(path, token string) Response {
	h.t.Helper()
	return h.Request(http.MethodGet, path, token, nil, nil)
}

// POST sends a POST request with a JSON body.
func (h *TestHarness) POST(path, token string, body any) Response {
	h.t.Helper()
	return h.Request(http.MethodPost, path, token, body, nil)
}

// DELETE sends a DELETE request.
func (h *TestHarness) DELETE(path, token string) Response {
	h.t.Helper()
	return h.Request(http.MethodDelete, path, token, nil, nil)
}

// AssertStatus fails the test when resp does not have the expected status.
func (h *TestHarness) AssertStatus(t *testing.T, resp Response, want int) {
	t.Helper()
	if resp.Status != want {
		t.Fatalf("status = %d, want %d; body: %s", resp.Status, want, resp.Body)
	}
}

// AssertJSON checks the status and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp Response, want int, target any) {
	t.Helper()
	h.AssertStatus(t, resp, want)
	if err := json.Unmarshal(resp.Body, target); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, resp.Body)
	}
}

// --- claim fixtures ---

// AdminClaims may view and edit templates and event flows.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "admin-1", OrganizationID: "org1", Email: "admin@example.com", Roles: []string{"flow_admin"}}
}

// EventManagerClaims may edit event flows and view templates.
func EventManagerClaims() TestClaims {
	return TestClaims{SubjectID: "manager-1", OrganizationID: "org1", Email: "manager@example.com", Roles: []string{"event_manager"}}
}

// ViewerClaims may only view event flows.
func ViewerClaims() TestClaims {
	return TestClaims{SubjectID: "viewer-1", OrganizationID: "org1", Email: "viewer@example.com", Roles: []string{"viewer"}}
}
