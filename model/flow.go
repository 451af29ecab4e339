package model

import (
	"fmt"
)

// Flow is a named automation unit: an ordered list of triggers and an
// ordered list of actions. A flow is either an organization template
// (IsTemplate, no EventID) or bound to exactly one event.
type Flow struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Triggers     []Rule `json:"triggers"`
	Actions      []Rule `json:"actions"`
	IsTemplate   bool   `json:"isTemplate"`
	EventID      string `json:"eventId,omitempty"`
	MultipleRuns bool   `json:"multipleRuns"`
	CreatedBy    string `json:"createdBy,omitempty"`
	UpdatedBy    string `json:"updatedBy,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// FlowRef addresses a flow in one of the two persistence API families.
type FlowRef struct {
	IsTemplate bool   `json:"isTemplate"`
	EventID    string `json:"eventId,omitempty"`
	FlowID     string `json:"flowId"`
}

// Flow scopes.
const (
	ScopeTemplate = "template"
	ScopeEvent    = "event"
)

// Scope returns "template" or "event".
func (r FlowRef) Scope() string {
	if r.IsTemplate {
		return ScopeTemplate
	}
	return ScopeEvent
}

func (r FlowRef) String() string {
	if r.IsTemplate {
		return "template/" + r.FlowID
	}
	return "event/" + r.EventID + "/" + r.FlowID
}

// Validate checks the template/event discriminator.
func (r FlowRef) Validate() error {
	var details []FieldError
	if r.FlowID == "" {
		details = append(details, FieldError{Field: "flowId", Code: "required", Message: "flow id is required"})
	}
	switch {
	case r.IsTemplate && r.EventID != "":
		details = append(details, FieldError{Field: "eventId", Code: "forbidden", Message: "a template flow cannot be bound to an event"})
	case !r.IsTemplate && r.EventID == "":
		details = append(details, FieldError{Field: "eventId", Code: "required", Message: "an event flow requires an event id"})
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

// Ref returns the address of f.
func (f Flow) Ref() FlowRef {
	return FlowRef{IsTemplate: f.IsTemplate, EventID: f.EventID, FlowID: f.ID}
}

// Rules returns the collection for kind. The returned slice is shared with f.
func (f Flow) Rules(kind RuleKind) []Rule {
	if kind == KindAction {
		return f.Actions
	}
	return f.Triggers
}

// WithRules returns a copy of f whose kind collection is replaced by rules.
func (f Flow) WithRules(kind RuleKind, rules []Rule) Flow {
	if kind == KindAction {
		f.Actions = rules
	} else {
		f.Triggers = rules
	}
	return f
}

// Clone returns a copy of f that shares no slices with it.
func (f Flow) Clone() Flow {
	f.Triggers = cloneRules(f.Triggers)
	f.Actions = cloneRules(f.Actions)
	return f
}

// Find returns the rule of the given kind with id, if any.
func (f Flow) Find(kind RuleKind, id string) (Rule, bool) {
	for _, r := range f.Rules(kind) {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// RuleCount returns the number of triggers plus actions.
func (f Flow) RuleCount() int {
	return len(f.Triggers) + len(f.Actions)
}

// Validate checks the structural invariants of a flow: the template/event
// discriminator, back-references from every rule, and id uniqueness within
// each collection.
func (f Flow) Validate() error {
	var details []FieldError
	if err := f.Ref().Validate(); err != nil {
		if ee, ok := err.(*ErrorEnvelope); ok {
			details = append(details, ee.Details...)
		}
	}
	for _, kind := range []RuleKind{KindTrigger, KindAction} {
		seen := make(map[string]bool)
		for i, r := range f.Rules(kind) {
			path := fmt.Sprintf("%s[%d]", kind.Collection(), i)
			if r.ID == "" {
				details = append(details, FieldError{Field: path + ".id", Code: "required", Message: "rule id is required"})
			} else if seen[r.ID] {
				details = append(details, FieldError{Field: path + ".id", Code: "duplicate", Message: fmt.Sprintf("duplicate %s id %q", kind, r.ID)})
			}
			seen[r.ID] = true
			if r.FlowID != f.ID {
				details = append(details, FieldError{Field: path + ".flowId", Code: "mismatch", Message: fmt.Sprintf("rule belongs to flow %q, not %q", r.FlowID, f.ID)})
			}
			if r.Kind != "" && r.Kind != kind {
				details = append(details, FieldError{Field: path + ".kind", Code: "mismatch", Message: fmt.Sprintf("%s stored in %s", r.Kind, kind.Collection())})
			}
		}
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

func cloneRules(rules []Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}
