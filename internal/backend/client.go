package backend

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/openapi"
	"github.com/pitabwire/flowdesk/model"
)

const maxResponseBytes = 10 << 20

// Call is one request against an indexed flows API operation.
type Call struct {
	OperationID string
	PathParams  map[string]string
	Body        any
}

// Client executes flows API operations with circuit breaker and retry
// support. It is safe for concurrent use.
type Client struct {
	index   *openapi.Index
	http    *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	metrics *observability.Metrics
	logger  *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records request and breaker metrics.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the flows API described in idx. Every
// operation in Operations must be indexed.
func NewClient(idx *openapi.Index, cfg config.BackendConfig, opts ...ClientOption) (*Client, error) {
	if err := idx.Require(ServiceID, Operations...); err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		index: idx,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:  cfg.Retry,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = NewCircuitBreaker(cfg.CircuitBreaker, OnStateChange(c.breakerChanged))
	c.metrics.SetBackendCircuitBreakerState(ServiceID, BreakerClosed.Gauge())
	return c, nil
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// HealthCheck fails while the circuit breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return fmt.Errorf("flows API: %w", ErrBreakerOpen)
	}
	return nil
}

func (c *Client) breakerChanged(from, to BreakerState) {
	c.metrics.SetBackendCircuitBreakerState(ServiceID, to.Gauge())
	if to == BreakerOpen {
		c.logger.Warn("flows API circuit breaker opened", zap.String("from", from.String()))
	} else {
		c.logger.Info("flows API circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}

type response struct {
	status int
	body   []byte
}

// outgoing is a fully built request, replayed unchanged on retry.
type outgoing struct {
	method string
	url    string
	header http.Header
	body   []byte
}

// Do executes call on behalf of the session and decodes a 2xx JSON body into
// out when out is non-nil. Non-2xx responses are returned as envelopes.
func (c *Client) Do(ctx context.Context, rctx *model.RequestContext, call Call, out any) (err error) {
	op, ok := c.index.GetOperation(ServiceID, call.OperationID)
	if !ok {
		return fmt.Errorf("backend: operation %q not indexed", call.OperationID)
	}

	ctx, span := observability.StartSpan(ctx, "backend.invoke",
		observability.AttrOperationID.String(call.OperationID),
		attribute.String("http.request.method", op.Method),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	req := &outgoing{method: op.Method}
	if req.url, err = buildRequestURL(op, call.PathParams); err != nil {
		return err
	}
	if call.Body != nil {
		if req.body, err = json.Marshal(call.Body); err != nil {
			return fmt.Errorf("backend: marshal %s body: %w", call.OperationID, err)
		}
		if err := c.validateBody(call.OperationID, req.body); err != nil {
			return err
		}
	}
	req.header = buildRequestHeaders(ctx, rctx, op.Method)

	start := time.Now()
	resp, err := c.exchange(ctx, req)
	c.metrics.RecordBackendRequest(ServiceID, call.OperationID, resp.status, time.Since(start))
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.status))

	if resp.status < 200 || resp.status >= 300 {
		ee := statusError(resp.status, resp.body)
		ee.TraceID = observability.TraceIDFromContext(ctx)
		return ee
	}
	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", call.OperationID, err)
	}
	return nil
}

// validateBody checks the outgoing body against the operation's request schema.
func (c *Client) validateBody(operationID string, body []byte) error {
	var m map[string]any
	if json.Unmarshal(body, &m) != nil {
		return nil
	}
	verrs := c.index.ValidateRequest(ServiceID, operationID, m)
	if len(verrs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(verrs))
	for i, v := range verrs {
		details[i] = model.FieldError{Field: v.Field, Code: "schema", Message: v.Message}
	}
	return model.NewValidationError(details)
}

// exchange sends req, repeating transient failures with backoff while the
// retry budget allows. Non-idempotent methods get a single attempt unless
// retries are configured for every method. The last response is returned
// as is, so a final 5xx still maps to an envelope in Do.
func (c *Client) exchange(ctx context.Context, req *outgoing) (response, error) {
	attempts := max(c.retry.MaxAttempts, 1)
	if c.retry.IdempotentOnly && !isIdempotentMethod(req.method) {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		resp, transient, err := c.send(ctx, req)
		if !transient || attempt >= attempts {
			return resp, err
		}
		c.logger.Debug("retrying flows API call",
			zap.String("method", req.method),
			zap.Int("attempt", attempt),
			zap.Int("status", resp.status),
			zap.Error(err),
		)
		c.metrics.RecordBackendRetry(ServiceID)

		wait := time.NewTimer(calculateBackoff(c.retry, attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			return response{}, model.NewBackendTimeoutError()
		case <-wait.C:
		}
	}
}

// send performs one exchange through the circuit breaker. transient reports
// whether the failure may clear on a later attempt: 5xx answers, refused
// connections and other transport errors. Breaker rejections and deadlines
// are final.
func (c *Client) send(ctx context.Context, req *outgoing) (resp response, transient bool, err error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return response{}, false, model.NewBackendUnavailableError()
	}
	outcome := Failed
	defer func() { done(outcome) }()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		outcome = Ignored
		return response{}, false, fmt.Errorf("backend: build request: %w", err)
	}
	hreq.Header = req.header.Clone()

	hresp, err := c.http.Do(hreq)
	switch {
	case err == nil:
	case ctx.Err() != nil || isTimeout(err):
		return response{}, false, model.NewBackendTimeoutError()
	case isConnectionError(err):
		return response{}, true, model.NewBackendUnavailableError()
	default:
		return response{}, true, fmt.Errorf("backend: request failed: %w", err)
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBytes))
	if err != nil {
		return response{}, true, fmt.Errorf("backend: read response: %w", err)
	}
	resp = response{status: hresp.StatusCode, body: data}

	// 4xx is the caller's fault and says nothing about the API's health.
	switch {
	case resp.status < http.StatusBadRequest:
		outcome = Succeeded
	case resp.status < http.StatusInternalServerError:
		outcome = Ignored
	}
	return resp, isRetryableStatus(resp.status), nil
}

// --- URL and header building ---

func buildRequestURL(op openapi.IndexedOperation, params map[string]string) (string, error) {
	path := op.PathTemplate
	for _, name := range op.PathParamNames() {
		value := params[name]
		if value == "" {
			return "", model.NewBadRequestError(fmt.Sprintf("%s requires path parameter %q", op.OperationID, name))
		}
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	return op.BaseURL + path, nil
}

func buildRequestHeaders(ctx context.Context, rctx *model.RequestContext, method string) http.Header {
	h := http.Header{"Accept": {"application/json"}}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		h.Set("Content-Type", "application/json")
	}

	if rctx != nil {
		h.Set("X-Organization-Id", sanitizeHeader(rctx.OrganizationID))
		for name, value := range map[string]string{
			"Authorization":     bearer(rctx.Token),
			"X-Correlation-Id":  rctx.CorrelationID,
			"X-Request-Subject": rctx.SubjectID,
		} {
			if value != "" {
				h.Set(name, sanitizeHeader(value))
			}
		}
	}

	observability.InjectTraceHeaders(ctx, h)
	return h
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

var headerBreaks = strings.NewReplacer("\r", "", "\n", "")

// sanitizeHeader drops CR and LF so session values cannot inject headers.
func sanitizeHeader(s string) string {
	return headerBreaks.Replace(s)
}

// --- response mapping ---

// remoteError is the error body returned by the flows API.
type remoteError struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Details []model.FieldError `json:"details"`
}

// statusMessages holds the envelope code and fallback message for the
// statuses that keep the flows API's own message when it sends one.
var statusMessages = map[int]struct{ code, fallback string }{
	http.StatusBadRequest:   {model.ErrBadRequest, "The flows API rejected the request"},
	http.StatusUnauthorized: {model.ErrUnauthorized, "The session is not authorized"},
	http.StatusForbidden:    {model.ErrForbidden, "Not allowed to change this flow"},
	http.StatusNotFound:     {model.ErrNotFound, "The flow or rule no longer exists"},
	http.StatusConflict:     {model.ErrConflict, "The flow was changed by someone else"},
}

func statusError(status int, body []byte) *model.ErrorEnvelope {
	var re remoteError
	_ = json.Unmarshal(body, &re)

	switch {
	case status == http.StatusUnprocessableEntity,
		status == http.StatusBadRequest && len(re.Details) > 0:
		ee := model.NewValidationError(re.Details)
		if re.Message != "" {
			ee.Message = re.Message
		}
		return ee
	case status == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case status >= http.StatusInternalServerError:
		return model.NewBackendUnavailableError()
	}
	if m, ok := statusMessages[status]; ok {
		return &model.ErrorEnvelope{Code: m.code, Message: cmp.Or(re.Message, m.fallback)}
	}
	return &model.ErrorEnvelope{
		Code:    model.ErrInternalError,
		Message: fmt.Sprintf("Unexpected flows API status %d", status),
	}
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	return errors.As(err, &opErr) || errors.As(err, &dnsErr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// calculateBackoff returns the wait before retry number attempt (from 1):
// the initial delay grown by the multiplier per earlier retry, capped.
func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cmp.Or(cfg.BackoffInitial, 100*time.Millisecond)
	mult := cmp.Or(cfg.BackoffMultiplier, 2)
	ceiling := cmp.Or(cfg.BackoffMax, 2*time.Second)

	d := float64(initial) * math.Pow(mult, float64(max(attempt-1, 0)))
	if d >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}
