// Package editor runs editing sessions over flows. A session is a draft
// holding the working copy of one flow: rules are added and edited locally,
// persisted rules are deleted remotely right away, and Save pushes the whole
// flow through the lifecycle manager.
package editor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/draft"
	"github.com/pitabwire/flowdesk/internal/flow"
	"github.com/pitabwire/flowdesk/internal/idempotency"
	"github.com/pitabwire/flowdesk/internal/lifecycle"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/model"
)

// Persister is the part of lifecycle.Manager the editor uses.
type Persister interface {
	Load(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) (model.Flow, error)
	Save(ctx context.Context, rctx *model.RequestContext, f model.Flow) (model.Flow, lifecycle.SaveReport, error)
	DeleteRule(ctx context.Context, rctx *model.RequestContext, f model.Flow, kind model.RuleKind, id string) (model.Flow, error)
}

// settleAttempts bounds how often a remote change is reapplied to a draft
// that keeps moving.
const settleAttempts = 5

// Service manages drafts.
type Service struct {
	drafts    draft.Store
	persister Persister
	editor    *flow.Editor
	idem      idempotency.Store
	idemTTL   time.Duration
	ttl       time.Duration
	now       func() time.Time
	newID     func() string
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIdempotency enables save deduplication with records kept for ttl.
func WithIdempotency(store idempotency.Store, ttl time.Duration) Option {
	return func(s *Service) {
		s.idem = store
		s.idemTTL = ttl
	}
}

// WithDraftTTL sets how long an idle draft lives.
func WithDraftTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator sets the draft id source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates an editing service.
func NewService(drafts draft.Store, persister Persister, ed *flow.Editor, opts ...Option) *Service {
	s := &Service{
		drafts:    drafts,
		persister: persister,
		editor:    ed,
		ttl:       24 * time.Hour,
		idemTTL:   24 * time.Hour,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveOutcome is the result of saving a draft.
type SaveOutcome struct {
	Draft    draft.Draft
	Report   lifecycle.SaveReport
	Replayed bool
}

// Open loads the flow at ref and starts a draft over it.
func (s *Service) Open(ctx context.Context, rctx *model.RequestContext, ref model.FlowRef) (d draft.Draft, err error) {
	defer func() { s.record("open", err) }()

	f, err := s.persister.Load(ctx, rctx, ref)
	if err != nil {
		return draft.Draft{}, err
	}
	return s.create(ctx, rctx, f)
}

// Instantiate starts a draft for target holding a copy of the template
// templateID. Every copied rule is unpersisted, so the first save creates
// them under target.
func (s *Service) Instantiate(ctx context.Context, rctx *model.RequestContext, templateID string, target model.FlowRef) (d draft.Draft, err error) {
	defer func() { s.record("instantiate", err) }()

	if target.IsTemplate {
		return draft.Draft{}, model.NewBadRequestError("a template can only be instantiated into an event flow")
	}
	tpl, err := s.persister.Load(ctx, rctx, model.FlowRef{IsTemplate: true, FlowID: templateID})
	if err != nil {
		return draft.Draft{}, err
	}
	f, err := flow.Duplicate(tpl, target)
	if err != nil {
		return draft.Draft{}, err
	}
	return s.create(ctx, rctx, f)
}

func (s *Service) create(ctx context.Context, rctx *model.RequestContext, f model.Flow) (draft.Draft, error) {
	now := s.now().UTC()
	d := draft.Draft{
		ID:             s.newID(),
		OrganizationID: rctx.OrganizationID,
		SubjectID:      rctx.SubjectID,
		Flow:           f,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.drafts.Create(ctx, d); err != nil {
		return draft.Draft{}, err
	}
	observability.LoggerFrom(ctx, s.logger).Debug("draft opened",
		zap.String("draft_id", d.ID),
		zap.String("flow", f.Ref().String()),
	)
	return d, nil
}

// Get returns a live draft.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, draftID string) (draft.Draft, error) {
	d, err := s.drafts.Get(ctx, rctx.OrganizationID, draftID)
	if err != nil {
		return draft.Draft{}, err
	}
	if d.Expired(s.now()) {
		return draft.Draft{}, model.NewDraftExpiredError(draftID)
	}
	return d, nil
}

// AddRule appends a new rule of kind to the draft's flow.
func (s *Service) AddRule(ctx context.Context, rctx *model.RequestContext, draftID string, version int, kind model.RuleKind, in flow.RuleInput) (d draft.Draft, r model.Rule, err error) {
	defer func() { s.record("add_rule", err) }()

	d, err = s.mutate(ctx, rctx, draftID, version, func(f model.Flow) (model.Flow, error) {
		out, added, err := s.editor.Add(f, kind, in)
		r = added
		return out, err
	})
	return d, r, err
}

// EditRule replaces the type and details of a rule in the draft's flow.
func (s *Service) EditRule(ctx context.Context, rctx *model.RequestContext, draftID string, version int, kind model.RuleKind, ruleID string, in flow.RuleInput) (d draft.Draft, r model.Rule, err error) {
	defer func() { s.record("edit_rule", err) }()

	d, err = s.mutate(ctx, rctx, draftID, version, func(f model.Flow) (model.Flow, error) {
		out, edited, err := s.editor.Edit(f, kind, ruleID, in)
		r = edited
		return out, err
	})
	return d, r, err
}

// RemoveRule deletes a rule. A persisted rule is deleted remotely first;
// the draft changes only if that succeeds. Once the remote delete is done
// the rule leaves the draft even if the draft was edited meanwhile.
func (s *Service) RemoveRule(ctx context.Context, rctx *model.RequestContext, draftID string, version int, kind model.RuleKind, ruleID string) (d draft.Draft, err error) {
	defer func() { s.record("remove_rule", err) }()

	d, err = s.Get(ctx, rctx, draftID)
	if err != nil {
		return draft.Draft{}, err
	}
	if err := checkVersion(d, version); err != nil {
		return draft.Draft{}, err
	}

	f, err := s.persister.DeleteRule(ctx, rctx, d.Flow, kind, ruleID)
	if err != nil {
		return draft.Draft{}, err
	}
	return s.settle(ctx, d, f, func(latest model.Flow) model.Flow {
		out, err := flow.Remove(latest, kind, ruleID)
		if err != nil {
			return latest
		}
		return out
	})
}

// UpdateMetadata changes the flow name, description or multiple-runs flag.
func (s *Service) UpdateMetadata(ctx context.Context, rctx *model.RequestContext, draftID string, version int, in flow.MetadataInput) (d draft.Draft, err error) {
	defer func() { s.record("update_metadata", err) }()

	return s.mutate(ctx, rctx, draftID, version, func(f model.Flow) (model.Flow, error) {
		return flow.UpdateMetadata(f, in)
	})
}

// Save persists the draft's flow. On success the draft holds the saved flow,
// with every rule persisted. On failure the draft is unchanged and the
// error is a *lifecycle.SaveError when the flow APIs rejected some calls.
//
// When idemKey is set, a repeat of the same key with the same flow returns
// the first result without calling the flow APIs.
func (s *Service) Save(ctx context.Context, rctx *model.RequestContext, draftID string, version int, idemKey string) (out SaveOutcome, err error) {
	defer func() { s.record("save", err) }()

	d, err := s.Get(ctx, rctx, draftID)
	if err != nil {
		return SaveOutcome{}, err
	}
	if err := checkVersion(d, version); err != nil {
		return SaveOutcome{}, err
	}

	var key, hash string
	if idemKey != "" && s.idem != nil {
		key = idempotency.FormatKey(rctx.OrganizationID, d.ID, d.Flow.Ref(), idemKey)
		hash, err = idempotency.HashFlow(d.Flow)
		if err != nil {
			return SaveOutcome{}, err
		}
		rec, found, err := s.idem.Check(ctx, key, hash)
		if err != nil {
			return SaveOutcome{}, err
		}
		if found && rec != nil {
			s.metrics.RecordIdempotentReplay()
			return s.replay(ctx, d, *rec)
		}
	}

	saved, report, err := s.persister.Save(ctx, rctx, d.Flow)
	if err != nil {
		return SaveOutcome{Draft: d, Report: report}, err
	}

	d, err = s.settle(ctx, d, saved, func(latest model.Flow) model.Flow {
		return report.Reapply(latest, saved)
	})
	if err != nil {
		return SaveOutcome{Report: report}, fmt.Errorf("flow saved but draft update failed: %w", err)
	}

	if key != "" {
		rec := idempotency.Record{Flow: saved, Calls: report.Calls(), SavedAt: s.now().UTC(), SavedBy: rctx.SubjectID}
		if err := s.idem.Put(ctx, key, hash, rec, s.idemTTL); err != nil {
			observability.LoggerFrom(ctx, s.logger).Warn("idempotency record not stored",
				zap.String("draft_id", d.ID),
				zap.Error(err),
			)
		}
	}
	return SaveOutcome{Draft: d, Report: report}, nil
}

// replay applies a recorded save to d. The draft may already hold the saved
// flow, in which case it is returned as is.
func (s *Service) replay(ctx context.Context, d draft.Draft, rec idempotency.Record) (SaveOutcome, error) {
	out := SaveOutcome{Replayed: true, Report: lifecycle.SaveReport{Ref: rec.Flow.Ref()}}
	d.Flow = rec.Flow
	updated, err := s.drafts.Update(ctx, d)
	if err != nil {
		return SaveOutcome{}, err
	}
	out.Draft = updated
	return out, nil
}

// Discard deletes the draft without saving.
func (s *Service) Discard(ctx context.Context, rctx *model.RequestContext, draftID string) (err error) {
	defer func() { s.record("discard", err) }()
	return s.drafts.Delete(ctx, rctx.OrganizationID, draftID)
}

// mutate loads a live draft, checks its version, applies fn to its flow and
// stores the result with a renewed expiry.
func (s *Service) mutate(ctx context.Context, rctx *model.RequestContext, draftID string, version int, fn func(model.Flow) (model.Flow, error)) (draft.Draft, error) {
	d, err := s.Get(ctx, rctx, draftID)
	if err != nil {
		return draft.Draft{}, err
	}
	if err := checkVersion(d, version); err != nil {
		return draft.Draft{}, err
	}

	f, err := fn(d.Flow)
	if err != nil {
		return draft.Draft{}, err
	}
	d.Flow = f
	d.ExpiresAt = s.now().UTC().Add(s.ttl)
	return s.drafts.Update(ctx, d)
}

// settle stores f, the result of a remote change already made from d. When
// the draft moved on meanwhile, reapply carries the change over to the
// latest copy and the store is retried.
func (s *Service) settle(ctx context.Context, d draft.Draft, f model.Flow, reapply func(model.Flow) model.Flow) (draft.Draft, error) {
	d.Flow = f
	for attempt := 1; ; attempt++ {
		d.ExpiresAt = s.now().UTC().Add(s.ttl)
		updated, err := s.drafts.Update(ctx, d)
		if err == nil || !model.IsCode(err, model.ErrConflict) || attempt == settleAttempts {
			return updated, err
		}
		latest, err := s.drafts.Get(ctx, d.OrganizationID, d.ID)
		if err != nil {
			return draft.Draft{}, err
		}
		observability.LoggerFrom(ctx, s.logger).Debug("draft changed during remote call, reapplying",
			zap.String("draft_id", d.ID),
			zap.Int("version", latest.Version),
		)
		d = latest
		d.Flow = reapply(latest.Flow)
	}
}

// checkVersion rejects a stale client copy. Zero skips the check.
func checkVersion(d draft.Draft, version int) error {
	if version != 0 && version != d.Version {
		return model.NewConflictError(
			fmt.Sprintf("draft %q is at version %d, not %d", d.ID, d.Version, version),
		)
	}
	return nil
}

func (s *Service) record(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDraftOperation(op, status)
}
