package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/editor"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/registry"
	"github.com/pitabwire/flowdesk/internal/summary"
	"github.com/pitabwire/flowdesk/model"
)

// FlowStore reads and deletes persisted flows.
type FlowStore interface {
	Load(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) (model.Flow, error)
	DeleteFlow(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) error
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Registry   *registry.Registry
	Summarizer *summary.Summarizer
	Flows      FlowStore
	Editor     *editor.Service
	Metrics    *observability.Metrics
	Logger     *zap.Logger

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Summarizer == nil {
		deps.Summarizer = summary.New(deps.Registry, nil)
	}

	r := chi.NewRouter()

	// Applied to every route, health included.
	r.Use(Recovery)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Method(http.MethodGet, "/ui/health", orDefault(deps.HealthHandler, observability.HandleHealth()))
	r.Method(http.MethodGet, "/ui/ready", orDefault(deps.ReadyHandler, observability.HandleReady(observability.ReadinessChecks{})))
	metricsPath := cfg.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Method(http.MethodGet, metricsPath, orDefault(deps.MetricsHandler, observability.Handler()))

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	rules := &ruleHandlers{registry: deps.Registry, summarizer: deps.Summarizer, metrics: deps.Metrics}
	flows := &flowHandlers{store: deps.Flows, summarizer: deps.Summarizer}
	drafts := &draftHandlers{editor: deps.Editor, summarizer: deps.Summarizer}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(AttachLogger(deps.Logger))
		r.Use(ResolveCapabilities(deps.CapabilityResolver))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging)

		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(model.CapTemplatesView, model.CapEventsView, model.CapTemplatesEdit, model.CapEventsEdit))
			r.Get("/ui/rule-types", rules.catalog)
			r.Post("/ui/rules/describe", rules.describe)
			r.Post("/ui/rules/validate", rules.validate)
		})

		r.With(RequireCapability(model.CapTemplatesView)).Get("/ui/templates/{flowId}", flows.getTemplate)
		r.With(RequireCapability(model.CapTemplatesEdit)).Delete("/ui/templates/{flowId}", flows.deleteTemplate)
		r.With(RequireCapability(model.CapTemplatesView), RequireCapability(model.CapEventsEdit)).
			Post("/ui/templates/{flowId}/instantiate", drafts.instantiate)
		r.With(RequireCapability(model.CapEventsView)).Get("/ui/events/{eventId}/flows/{flowId}", flows.getEventFlow)
		r.With(RequireCapability(model.CapEventsEdit)).Delete("/ui/events/{eventId}/flows/{flowId}", flows.deleteEventFlow)

		r.Route("/ui/drafts", func(r chi.Router) {
			r.Use(RequireCapability(model.CapTemplatesEdit, model.CapEventsEdit))
			r.Post("/", drafts.open)
			r.Route("/{draftId}", func(r chi.Router) {
				r.Get("/", drafts.get)
				r.Patch("/", drafts.updateMetadata)
				r.Delete("/", drafts.discard)
				r.Post("/save", drafts.save)
				r.Post("/{collection}", drafts.addRule)
				r.Put("/{collection}/{ruleId}", drafts.editRule)
				r.Delete("/{collection}/{ruleId}", drafts.removeRule)
			})
		})
	})

	return r
}

func orDefault(h, def http.Handler) http.Handler {
	if h != nil {
		return h
	}
	return def
}
