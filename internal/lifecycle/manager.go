// Package lifecycle moves flows between the console and the flow APIs. A
// save fans out one metadata update plus one create or update per rule, and
// only a fully successful save marks the flow's rules as persisted. Deletes
// are immediate and never batched.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/flowdesk/internal/cache"
	"github.com/pitabwire/flowdesk/internal/flow"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/model"
)

// FlowAPI is one of the two persistence API families, addressed by FlowRef.
type FlowAPI interface {
	GetFlow(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) (model.Flow, error)
	UpdateMetadata(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, p model.FlowMetadataPayload) error
	CreateRule(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, p model.RulePayload) (model.Rule, error)
	UpdateRule(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, ruleID string, p model.RulePayload) (model.Rule, error)
	DeleteRule(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef, kind model.RuleKind, ruleID string) error
	DeleteFlow(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) error
}

const (
	statusSuccess = "success"
	statusError   = "error"
	statusLocal   = "local"
)

// Manager persists flows through the template or the event-flow API.
type Manager struct {
	templates   FlowAPI
	events      FlowAPI
	cache       cache.FlowCache
	cachePrefix string
	concurrency int
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache sets the read-through cache for Load. Keys are prefixed with
// prefix.
func WithCache(c cache.FlowCache, prefix string) Option {
	return func(m *Manager) {
		m.cache = c
		m.cachePrefix = prefix
	}
}

// WithConcurrency bounds the number of in-flight calls of one save.
func WithConcurrency(n int) Option {
	return func(m *Manager) { m.concurrency = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager over the template and event-flow APIs.
func NewManager(templates, events FlowAPI, opts ...Option) *Manager {
	m := &Manager{
		templates:   templates,
		events:      events,
		cache:       cache.Nop{},
		concurrency: 8,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// api selects the API family for ref.
func (m *Manager) api(ref model.FlowRef) (FlowAPI, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if ref.IsTemplate {
		return m.templates, nil
	}
	return m.events, nil
}

func (m *Manager) cacheKey(rctx *model.RequestContext, ref model.FlowRef) string {
	org := ""
	if rctx != nil {
		org = rctx.OrganizationID
	}
	return cache.Key(m.cachePrefix, org, ref)
}

func (m *Manager) invalidate(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) {
	if err := m.cache.Invalidate(ctx, m.cacheKey(rctx, ref)); err != nil {
		observability.LoggerFrom(ctx, m.logger).Warn("flow cache invalidation failed",
			zap.String("flow", ref.String()),
			zap.Error(err),
		)
	}
}

// Load returns the persisted flow at ref, from the cache when possible.
// Every rule of a loaded flow is marked persisted.
func (m *Manager) Load(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) (f model.Flow, err error) {
	api, err := m.api(ref)
	if err != nil {
		return model.Flow{}, err
	}

	ctx, span := observability.StartFlowSpan(ctx, "flow.load", ref)
	defer func() { observability.EndSpanWithError(span, err) }()

	key := m.cacheKey(rctx, ref)
	cached, ok, cerr := m.cache.Get(ctx, key)
	if cerr != nil {
		observability.LoggerFrom(ctx, m.logger).Warn("flow cache read failed", zap.String("key", key), zap.Error(cerr))
	}
	if ok {
		m.metrics.RecordFlowCacheHit()
		span.SetAttributes(observability.AttrCacheHit.Bool(true))
		return cached, nil
	}
	m.metrics.RecordFlowCacheMiss()
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	f, err = api.GetFlow(ctx, rctx, ref)
	if err != nil {
		return model.Flow{}, err
	}
	f.ID, f.IsTemplate, f.EventID = ref.FlowID, ref.IsTemplate, ref.EventID
	f = markPersisted(f)

	if err := m.cache.Set(ctx, key, f); err != nil {
		observability.LoggerFrom(ctx, m.logger).Warn("flow cache write failed", zap.String("key", key), zap.Error(err))
	}
	return f, nil
}

// call is one unit of a save fan-out.
type call struct {
	result ItemResult
	rule   model.Rule
}

// Save persists f: one metadata update, then an update for every persisted
// rule and a create for every other rule, all issued concurrently. When
// every call succeeds the returned flow has all rules marked persisted and
// created rules carry their server id. When any call fails the returned
// flow equals f and err is a *SaveError.
func (m *Manager) Save(ctx context.Context, rctx *model.RequestContext, f model.Flow) (saved model.Flow, report SaveReport, err error) {
	ref := f.Ref()
	report.Ref = ref

	api, err := m.api(ref)
	if err != nil {
		return f, report, err
	}
	if err := f.Validate(); err != nil {
		return f, report, err
	}

	ctx, span := observability.StartFlowSpan(ctx, "flow.save", ref)
	defer func() { observability.EndSpanWithError(span, err) }()

	logger := observability.LoggerFrom(ctx, m.logger).With(observability.FlowFields(ref)...)
	start := time.Now()

	calls := planSave(f)
	g := new(errgroup.Group)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}
	metadata := model.NewFlowMetadataPayload(f)
	for i := range calls {
		c := &calls[i]
		g.Go(func() error {
			c.result = m.issue(ctx, rctx, api, ref, metadata, c)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = make([]ItemResult, len(calls))
	for i, c := range calls {
		report.Results[i] = c.result
		kind := string(c.result.Kind)
		if c.result.Operation == OpMetadata {
			kind = string(OpMetadata)
		}
		status := statusSuccess
		if !c.result.OK() {
			status = statusError
		}
		m.metrics.RecordRuleOperation(ref.Scope(), kind, string(c.result.Operation), status)
	}
	report.Duration = time.Since(start)

	if failed := report.Failed(); len(failed) > 0 {
		m.metrics.RecordFlowSave(ref.Scope(), statusError, report.Calls(), report.Duration)
		se := &SaveError{Ref: ref, Failed: failed}
		logger.Warn("flow save failed",
			zap.Int("calls", report.Calls()),
			zap.Int("failed", len(failed)),
			zap.Error(se),
		)
		return f, report, se
	}

	saved = adopt(f, calls)
	m.invalidate(ctx, rctx, ref)
	m.metrics.RecordFlowSave(ref.Scope(), statusSuccess, report.Calls(), report.Duration)
	logger.Info("flow saved",
		zap.Int("calls", report.Calls()),
		zap.Int("created", report.Count(OpCreate)),
		zap.Int("updated", report.Count(OpUpdate)),
		zap.Duration("duration", report.Duration),
	)
	return saved, report, nil
}

// planSave lists the calls of a save in issue order.
func planSave(f model.Flow) []call {
	calls := make([]call, 0, 1+f.RuleCount())
	calls = append(calls, call{result: ItemResult{Operation: OpMetadata}})
	for _, kind := range []model.RuleKind{model.KindTrigger, model.KindAction} {
		for _, r := range f.Rules(kind) {
			op := OpCreate
			if r.ExistInDB {
				op = OpUpdate
			}
			calls = append(calls, call{
				rule:   r,
				result: ItemResult{Kind: kind, LocalID: r.ID, Operation: op},
			})
		}
	}
	return calls
}

func (m *Manager) issue(ctx context.Context, rctx *model.RequestContext, api FlowAPI, ref model.FlowRef, metadata model.FlowMetadataPayload, c *call) ItemResult {
	res := c.result
	if res.Operation != OpMetadata {
		if ce := observability.LoggerFrom(ctx, m.logger).Check(zap.DebugLevel, "writing rule"); ce != nil {
			ce.Write(
				zap.String("operation", string(res.Operation)),
				zap.String("kind", string(res.Kind)),
				zap.String("rule_id", c.rule.ID),
				zap.Any("details", observability.RedactDetails(c.rule.Details)),
			)
		}
	}
	switch res.Operation {
	case OpMetadata:
		res.Err = api.UpdateMetadata(ctx, rctx, ref, metadata)
	case OpCreate:
		created, err := api.CreateRule(ctx, rctx, ref, res.Kind, model.NewRulePayload(c.rule))
		res.Err = err
		res.ServerID = created.ID
		c.rule.CreatedAt = firstNonEmpty(created.CreatedAt, c.rule.CreatedAt)
	case OpUpdate:
		_, res.Err = api.UpdateRule(ctx, rctx, ref, res.Kind, c.rule.ID, model.NewRulePayload(c.rule))
		res.ServerID = c.rule.ID
	}
	return res
}

// adopt applies a fully successful save to f.
func adopt(f model.Flow, calls []call) model.Flow {
	out := f.Clone()
	byItem := make(map[model.RuleKind]map[string]call, 2)
	for _, c := range calls {
		if c.result.Operation == OpMetadata {
			continue
		}
		if byItem[c.result.Kind] == nil {
			byItem[c.result.Kind] = make(map[string]call)
		}
		byItem[c.result.Kind][c.result.LocalID] = c
	}
	for _, kind := range []model.RuleKind{model.KindTrigger, model.KindAction} {
		rules := out.Rules(kind)
		for i := range rules {
			c := byItem[kind][rules[i].ID]
			if c.result.Operation == OpCreate && c.result.ServerID != "" {
				rules[i].ID = c.result.ServerID
				rules[i].CreatedAt = c.rule.CreatedAt
			}
			rules[i].ExistInDB = true
		}
	}
	return out
}

// DeleteRule removes the rule of the given kind from f. A persisted rule is
// deleted remotely first and removed from f only if that succeeds; on error
// f is returned unchanged. A rule that was never persisted is removed
// locally without a remote call.
func (m *Manager) DeleteRule(ctx context.Context, rctx *model.RequestContext, f model.Flow, kind model.RuleKind, id string) (out model.Flow, err error) {
	ref := f.Ref()
	api, err := m.api(ref)
	if err != nil {
		return f, err
	}
	r, ok := f.Find(kind, id)
	if !ok {
		return f, model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
	}

	if !r.ExistInDB {
		m.metrics.RecordRuleDelete(ref.Scope(), string(kind), statusLocal)
		return flow.Remove(f, kind, id)
	}

	ctx, span := observability.StartFlowSpan(ctx, "flow.delete_rule", ref,
		observability.AttrRuleKind.String(string(kind)),
		observability.AttrRuleID.String(id),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := api.DeleteRule(ctx, rctx, ref, kind, id); err != nil {
		m.metrics.RecordRuleDelete(ref.Scope(), string(kind), statusError)
		observability.LoggerFrom(ctx, m.logger).Warn("rule delete failed",
			zap.String("flow", ref.String()),
			zap.String("kind", string(kind)),
			zap.String("rule_id", id),
			zap.Error(err),
		)
		return f, err
	}
	m.metrics.RecordRuleDelete(ref.Scope(), string(kind), statusSuccess)
	m.invalidate(ctx, rctx, ref)
	return flow.Remove(f, kind, id)
}

// DeleteFlow deletes the flow at ref remotely.
func (m *Manager) DeleteFlow(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) (err error) {
	api, err := m.api(ref)
	if err != nil {
		return err
	}

	ctx, span := observability.StartFlowSpan(ctx, "flow.delete", ref)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := api.DeleteFlow(ctx, rctx, ref); err != nil {
		m.metrics.RecordFlowDelete(ref.Scope(), statusError)
		return err
	}
	m.metrics.RecordFlowDelete(ref.Scope(), statusSuccess)
	m.invalidate(ctx, rctx, ref)
	observability.LoggerFrom(ctx, m.logger).Info("flow deleted", zap.String("flow", ref.String()))
	return nil
}

func markPersisted(f model.Flow) model.Flow {
	f = f.Clone()
	for i := range f.Triggers {
		f.Triggers[i].ExistInDB = true
		f.Triggers[i].FlowID = f.ID
		f.Triggers[i].Kind = model.KindTrigger
	}
	for i := range f.Actions {
		f.Actions[i].ExistInDB = true
		f.Actions[i].FlowID = f.ID
		f.Actions[i].Kind = model.KindAction
	}
	return f
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
