package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/backend"
	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/editor"
	"github.com/pitabwire/flowdesk/internal/flow"
	"github.com/pitabwire/flowdesk/internal/lifecycle"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/openapi"
	"github.com/pitabwire/flowdesk/internal/registry"
	"github.com/pitabwire/flowdesk/internal/schema"
	"github.com/pitabwire/flowdesk/internal/summary"
	"github.com/pitabwire/flowdesk/internal/transport"
)

const tracingFlushTimeout = 5 * time.Second

// app holds the wired server and everything that must be released when it
// stops.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	drafts  draftStore
	handler http.Handler

	closers []func()
}

func (a *app) onClose(f func()) {
	if f != nil {
		a.closers = append(a.closers, f)
	}
}

// close releases resources in the reverse order they were acquired.
func (a *app) close() {
	for _, f := range slices.Backward(a.closers) {
		f()
	}
	a.closers = nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "flowdesk", version)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.onClose(func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tracingFlushTimeout)
		defer cancel()
		if err := shutdownTracing(fctx); err != nil {
			logger.Warn("tracing flush failed", zap.Error(err))
		}
	})
	a.metrics = observability.InitMetrics(prometheus.DefaultRegisterer)

	oaIndex := openapi.NewIndex()
	if err := backend.LoadIndex(oaIndex, cfg.Backend.BaseURL, cfg.Backend.SpecFile); err != nil {
		return nil, fmt.Errorf("flows API description: %w", err)
	}
	a.metrics.SetOpenAPIOperationsIndexed(backend.ServiceID, float64(len(oaIndex.AllOperationIDs(backend.ServiceID))))

	client, err := backend.NewClient(oaIndex, cfg.Backend,
		backend.WithMetrics(a.metrics),
		backend.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("flows API client: %w", err)
	}

	reg := registry.New()
	stopWatch, err := buildOverrides(cfg.Registry, reg, a.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("registry overrides: %w", err)
	}
	a.onClose(stopWatch)

	formatter, err := schema.NewFormatterForZone(cfg.Display.Timezone, cfg.Display.Layout)
	if err != nil {
		return nil, fmt.Errorf("display: %w", err)
	}
	summarizer := summary.New(reg, formatter)

	flowCache, closeCache, err := buildFlowCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(closeCache)

	idemStore, closeIdem, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(closeIdem)

	a.drafts, err = buildDraftStore(ctx, cfg.Drafts, logger, a.onClose)
	if err != nil {
		return nil, err
	}

	capResolver, err := buildCapabilityResolver(cfg.Capability, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("capabilities: %w", err)
	}

	manager := lifecycle.NewManager(
		backend.NewTemplateAPI(client),
		backend.NewEventFlowAPI(client),
		lifecycle.WithCache(flowCache, cfg.Cache.KeyPrefix),
		lifecycle.WithConcurrency(cfg.Save.Concurrency),
		lifecycle.WithMetrics(a.metrics),
		lifecycle.WithLogger(logger),
	)

	editorOpts := []editor.Option{
		editor.WithDraftTTL(cfg.Drafts.TTL),
		editor.WithMetrics(a.metrics),
		editor.WithLogger(logger),
	}
	if idemStore != nil {
		editorOpts = append(editorOpts, editor.WithIdempotency(idemStore, cfg.Idempotency.Store.DefaultTTL))
	}
	svc := editor.NewService(a.drafts, manager, flow.NewEditor(reg, summarizer), editorOpts...)

	ready := observability.ReadinessChecks{
		OpenAPILoaded: oaIndex.Loaded,
		FlowsAPI:      client,
		DraftStore:    a.drafts,
		FlowCache:     flowCache,
	}
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
	if jwks != nil {
		ready.IdentityKeys = jwks
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		ready.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Registry:           reg,
		Summarizer:         summarizer,
		Flows:              manager,
		Editor:             svc,
		Metrics:            a.metrics,
		Logger:             logger,
		HealthHandler:      observability.HandleHealth(),
		ReadyHandler:       observability.HandleReady(ready),
		MetricsHandler:     observability.Handler(),
	})
	a.handler = a.metrics.MetricsMiddleware(observability.TracingMiddleware(router))
	return a, nil
}
