// Package flow implements the edit operations of the Flow aggregate. Every
// operation returns a new Flow value and leaves its input untouched.
package flow

import (
	"fmt"
	"time"

	"github.com/pitabwire/flowdesk/internal/registry"
	"github.com/pitabwire/flowdesk/internal/schema"
	"github.com/pitabwire/flowdesk/internal/summary"
	"github.com/pitabwire/flowdesk/model"
)

// RuleInput is the user-supplied part of a trigger or action. Empty Name and
// Description are defaulted from the registry title and the summary.
type RuleInput struct {
	Type        model.RuleType `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Details     model.Details  `json:"-"`
}

// MetadataInput carries optional flow metadata changes.
type MetadataInput struct {
	Name         *string `json:"name,omitempty"`
	Description  *string `json:"description,omitempty"`
	MultipleRuns *bool   `json:"multipleRuns,omitempty"`
}

// Editor applies rule edits to flows. The clock drives client id generation
// and creation timestamps.
type Editor struct {
	registry   *registry.Registry
	summarizer *summary.Summarizer
	now        func() time.Time
}

// Option configures an Editor.
type Option func(*Editor)

// WithClock sets the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Editor) { e.now = now }
}

// NewEditor returns an Editor backed by reg and s.
func NewEditor(reg *registry.Registry, s *summary.Summarizer, opts ...Option) *Editor {
	if reg == nil {
		reg = registry.New()
	}
	if s == nil {
		s = summary.New(reg, nil)
	}
	e := &Editor{registry: reg, summarizer: s, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddTrigger appends a new, unpersisted trigger to f.
func (e *Editor) AddTrigger(f model.Flow, in RuleInput) (model.Flow, model.Rule, error) {
	return e.Add(f, model.KindTrigger, in)
}

// AddAction appends a new, unpersisted action to f.
func (e *Editor) AddAction(f model.Flow, in RuleInput) (model.Flow, model.Rule, error) {
	return e.Add(f, model.KindAction, in)
}

// EditTrigger replaces the type and details of the trigger with id.
func (e *Editor) EditTrigger(f model.Flow, id string, in RuleInput) (model.Flow, model.Rule, error) {
	return e.Edit(f, model.KindTrigger, id, in)
}

// EditAction replaces the type and details of the action with id.
func (e *Editor) EditAction(f model.Flow, id string, in RuleInput) (model.Flow, model.Rule, error) {
	return e.Edit(f, model.KindAction, id, in)
}

// RemoveTrigger drops the trigger with id.
func RemoveTrigger(f model.Flow, id string) (model.Flow, error) {
	return Remove(f, model.KindTrigger, id)
}

// RemoveAction drops the action with id.
func RemoveAction(f model.Flow, id string) (model.Flow, error) {
	return Remove(f, model.KindAction, id)
}

// FindTrigger returns the trigger with id, if present.
func FindTrigger(f model.Flow, id string) (model.Rule, bool) {
	return f.Find(model.KindTrigger, id)
}

// FindAction returns the action with id, if present.
func FindAction(f model.Flow, id string) (model.Rule, bool) {
	return f.Find(model.KindAction, id)
}

// Add validates in and appends it to the kind collection of f with a fresh
// client id and ExistInDB=false.
func (e *Editor) Add(f model.Flow, kind model.RuleKind, in RuleInput) (model.Flow, model.Rule, error) {
	details, err := e.prepare(kind, in)
	if err != nil {
		return f, model.Rule{}, err
	}
	now := e.now().UTC()
	r := model.Rule{
		ID:          e.nextID(f, kind, now),
		FlowID:      f.ID,
		Kind:        kind,
		Type:        in.Type,
		Name:        in.Name,
		Description: in.Description,
		Details:     details,
		CreatedAt:   now.Format(time.RFC3339),
		ExistInDB:   false,
	}
	e.fillDefaults(&r)

	out := f.Clone()
	out = out.WithRules(kind, append(out.Rules(kind), r))
	return out, r, nil
}

// Edit replaces the type and details of the rule with id. The id, ExistInDB
// and CreatedAt are preserved. A name or description that was generated from
// the previous type is regenerated; user-written text is kept unless in
// supplies a replacement.
func (e *Editor) Edit(f model.Flow, kind model.RuleKind, id string, in RuleInput) (model.Flow, model.Rule, error) {
	idx := indexOf(f.Rules(kind), id)
	if idx < 0 {
		return f, model.Rule{}, notFound(kind, id)
	}
	details, err := e.prepare(kind, in)
	if err != nil {
		return f, model.Rule{}, err
	}

	old := f.Rules(kind)[idx]
	r := old
	r.Type = in.Type
	r.Details = details
	r.Kind = kind
	r.FlowID = f.ID

	switch {
	case in.Name != "":
		r.Name = in.Name
	case old.Name == "" || old.Name == e.registry.TitleFor(old.Type):
		r.Name = ""
	}
	switch {
	case in.Description != "":
		r.Description = in.Description
	case old.Description == "" || old.Description == e.summarizer.Summarize(old.Type, old.Details):
		r.Description = ""
	}
	e.fillDefaults(&r)

	out := f.Clone()
	out.Rules(kind)[idx] = r
	return out, r, nil
}

// Remove drops the rule with id from the kind collection of f. The order and
// ids of the remaining rules are unchanged.
func Remove(f model.Flow, kind model.RuleKind, id string) (model.Flow, error) {
	rules := f.Rules(kind)
	idx := indexOf(rules, id)
	if idx < 0 {
		return f, notFound(kind, id)
	}
	kept := make([]model.Rule, 0, len(rules)-1)
	kept = append(kept, rules[:idx]...)
	kept = append(kept, rules[idx+1:]...)
	return f.Clone().WithRules(kind, kept), nil
}

// UpdateMetadata applies the non-nil fields of in. MultipleRuns is only
// meaningful on event flows and is rejected on templates.
func UpdateMetadata(f model.Flow, in MetadataInput) (model.Flow, error) {
	if in.MultipleRuns != nil && f.IsTemplate {
		return f, model.NewValidationError([]model.FieldError{{
			Field: "multipleRuns", Code: "forbidden", Message: "Templates cannot set multiple runs",
		}})
	}
	out := f.Clone()
	if in.Name != nil {
		out.Name = *in.Name
	}
	if in.Description != nil {
		out.Description = *in.Description
	}
	if in.MultipleRuns != nil {
		out.MultipleRuns = *in.MultipleRuns
	}
	return out, nil
}

// Duplicate copies f to target. Every rule is re-parented to the target flow
// and marked unpersisted so the next save creates it there.
func Duplicate(f model.Flow, target model.FlowRef) (model.Flow, error) {
	if err := target.Validate(); err != nil {
		return model.Flow{}, err
	}
	out := f.Clone()
	out.ID = target.FlowID
	out.IsTemplate = target.IsTemplate
	out.EventID = target.EventID
	out.CreatedAt, out.UpdatedAt = "", ""
	out.CreatedBy, out.UpdatedBy = "", ""
	if out.IsTemplate {
		out.MultipleRuns = false
	}
	for _, kind := range []model.RuleKind{model.KindTrigger, model.KindAction} {
		rules := out.Rules(kind)
		for i := range rules {
			rules[i].FlowID = out.ID
			rules[i].Kind = kind
			rules[i].ExistInDB = false
		}
	}
	return out, nil
}

func (e *Editor) prepare(kind model.RuleKind, in RuleInput) (model.Details, error) {
	d := in.Details
	if d == nil {
		d = model.ZeroDetails(in.Type)
	}
	d = model.ApplyDefaults(d)
	if err := schema.ValidateKind(kind, in.Type, d, e.registry.KindOf); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Editor) fillDefaults(r *model.Rule) {
	if r.Name == "" {
		r.Name = e.registry.TitleFor(r.Type)
	}
	if r.Description == "" {
		r.Description = e.summarizer.Summarize(r.Type, r.Details)
	}
}

// nextID returns "<kind>-<unixMillis>", suffixed with -N when that id is
// already taken in the collection.
func (e *Editor) nextID(f model.Flow, kind model.RuleKind, now time.Time) string {
	base := fmt.Sprintf("%s-%d", kind, now.UnixMilli())
	id := base
	for n := 2; indexOf(f.Rules(kind), id) >= 0; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}

func indexOf(rules []model.Rule, id string) int {
	for i, r := range rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func notFound(kind model.RuleKind, id string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
}
