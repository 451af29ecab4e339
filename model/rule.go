package model

import (
	"encoding/json"
	"fmt"
)

// RuleKind distinguishes the two rule collections owned by a Flow.
type RuleKind string

const (
	KindTrigger RuleKind = "trigger"
	KindAction  RuleKind = "action"
)

// Valid reports whether k is one of the known kinds.
func (k RuleKind) Valid() bool {
	return k == KindTrigger || k == KindAction
}

// Collection returns the plural name used for the kind in URLs and payloads.
func (k RuleKind) Collection() string {
	return string(k) + "s"
}

// ParseCollection maps "triggers"/"actions" back to a RuleKind.
func ParseCollection(s string) (RuleKind, bool) {
	switch s {
	case "triggers":
		return KindTrigger, true
	case "actions":
		return KindAction, true
	}
	return "", false
}

// RuleType is the type tag of a trigger or action. The set is closed: new
// types are added by registering them, unknown tags are carried through as
// generic rules.
type RuleType string

// Trigger types.
const (
	TriggerDate           RuleType = "date"
	TriggerNumOfAttendees RuleType = "numOfAttendees"
	TriggerStatus         RuleType = "status"
	TriggerRegistration   RuleType = "registration"
)

// Action types.
const (
	ActionEmail             RuleType = "email"
	ActionNotification      RuleType = "notification"
	ActionStatusChange      RuleType = "statusChange"
	ActionFileShare         RuleType = "fileShare"
	ActionImageChange       RuleType = "imageChange"
	ActionTitleChange       RuleType = "titleChange"
	ActionDescriptionChange RuleType = "descriptionChange"
)

// Rule is a trigger or an action inside a Flow. Both share one shape; Kind
// says which collection the rule belongs to.
type Rule struct {
	ID          string   `json:"id"`
	FlowID      string   `json:"flowId"`
	Kind        RuleKind `json:"kind"`
	Type        RuleType `json:"type"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Details     Details  `json:"details"`
	CreatedAt   string   `json:"createdAt,omitempty"`

	// ExistInDB is true once the rule is known to be persisted remotely. It
	// decides between a create and an update call on save.
	ExistInDB bool `json:"existInDb"`
}

// UnmarshalJSON decodes details into the variant selected by the rule type.
// Details that do not fit the variant are kept as GenericDetails so that
// reads never fail on malformed data.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type alias Rule
	var raw struct {
		alias
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("rule: %w", err)
	}
	*r = Rule(raw.alias)

	r.Details = DecodeDetailsLenient(r.Type, raw.Details)
	return nil
}

// MarshalJSON always writes details as an object, never null.
func (r Rule) MarshalJSON() ([]byte, error) {
	type alias Rule
	out := struct {
		alias
		Details any `json:"details"`
	}{alias: alias(r), Details: r.Details}
	if r.Details == nil {
		out.Details = map[string]any{}
	}
	return json.Marshal(out)
}
