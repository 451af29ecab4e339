package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Details is the type-specific payload of a Rule. Every known RuleType has
// exactly one variant below; GenericDetails carries payloads of types this
// build does not know about.
type Details interface {
	RuleType() RuleType
}

// Event statuses shared by the status trigger and the status change action.
const (
	EventStatusDraft     = "draft"
	EventStatusPublished = "published"
	EventStatusCancelled = "cancelled"
	EventStatusCompleted = "completed"
	EventStatusPostponed = "postponed"
)

// Email and file share audiences.
const (
	RecipientsAll        = "all"
	RecipientsRegistered = "registered"
	RecipientsWaitlisted = "waitlisted"
	RecipientsCheckedIn  = "checkedIn"
)

// Attendee count comparisons.
const (
	ComparisonAtLeast = "atLeast"
	ComparisonExactly = "exactly"
)

// --- Trigger variants ---

// DateTriggerDetails fires on a fixed date, or relative to the event's start
// or end date.
type DateTriggerDetails struct {
	Date       string `json:"date,omitempty" validate:"required_without=RelativeTo,omitempty,isodate"`
	RelativeTo string `json:"relativeTo,omitempty" validate:"omitempty,oneof=startDate endDate"`
	OffsetDays int    `json:"offsetDays,omitempty"`
}

func (DateTriggerDetails) RuleType() RuleType { return TriggerDate }

// AttendeeCountTriggerDetails fires when the attendee count reaches Count.
type AttendeeCountTriggerDetails struct {
	Count      int    `json:"count" validate:"gt=0"`
	Comparison string `json:"comparison,omitempty" validate:"omitempty,oneof=atLeast exactly"`
}

func (AttendeeCountTriggerDetails) RuleType() RuleType { return TriggerNumOfAttendees }

// StatusTriggerDetails fires when the event moves into Status.
type StatusTriggerDetails struct {
	Status string `json:"status" validate:"required,oneof=draft published cancelled completed postponed"`
}

func (StatusTriggerDetails) RuleType() RuleType { return TriggerStatus }

// RegistrationTriggerDetails fires on every registration, optionally limited
// to one ticket type.
type RegistrationTriggerDetails struct {
	TicketType string `json:"ticketType,omitempty"`
}

func (RegistrationTriggerDetails) RuleType() RuleType { return TriggerRegistration }

// --- Action variants ---

type EmailActionDetails struct {
	TemplateID   string `json:"templateId" validate:"required"`
	TemplateName string `json:"templateName,omitempty"`
	Recipients   string `json:"recipients,omitempty" validate:"omitempty,oneof=all registered waitlisted checkedIn"`
	Subject      string `json:"subject,omitempty" validate:"max=200"`
}

func (EmailActionDetails) RuleType() RuleType { return ActionEmail }

type NotificationActionDetails struct {
	Message string `json:"message" validate:"required,max=500"`
	Channel string `json:"channel,omitempty" validate:"omitempty,oneof=inApp push sms"`
}

func (NotificationActionDetails) RuleType() RuleType { return ActionNotification }

type StatusChangeActionDetails struct {
	NewStatus string `json:"newStatus" validate:"required,oneof=draft published cancelled completed postponed"`
}

func (StatusChangeActionDetails) RuleType() RuleType { return ActionStatusChange }

type FileShareActionDetails struct {
	FileName   string `json:"fileName,omitempty"`
	FileURL    string `json:"fileUrl" validate:"required,url"`
	Recipients string `json:"recipients,omitempty" validate:"omitempty,oneof=all registered waitlisted checkedIn"`
}

func (FileShareActionDetails) RuleType() RuleType { return ActionFileShare }

type ImageChangeActionDetails struct {
	ImageURL string `json:"imageUrl" validate:"required,url"`
}

func (ImageChangeActionDetails) RuleType() RuleType { return ActionImageChange }

type TitleChangeActionDetails struct {
	NewTitle string `json:"newTitle" validate:"required,max=200"`
}

func (TitleChangeActionDetails) RuleType() RuleType { return ActionTitleChange }

type DescriptionChangeActionDetails struct {
	NewDescription string `json:"newDescription" validate:"required"`
}

func (DescriptionChangeActionDetails) RuleType() RuleType { return ActionDescriptionChange }

// --- Generic fallback ---

// GenericDetails holds the raw key/value payload of a rule whose type is
// unknown, or whose payload did not decode into its variant.
type GenericDetails struct {
	Type   RuleType
	Values map[string]any
}

func (g GenericDetails) RuleType() RuleType { return g.Type }

// MarshalJSON writes the raw values as a flat object.
func (g GenericDetails) MarshalJSON() ([]byte, error) {
	if g.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Values)
}

// --- Decoding ---

func decodeAs[T Details](raw []byte) (Details, error) {
	var v T
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

var detailsDecoders = map[RuleType]func([]byte) (Details, error){
	TriggerDate:             decodeAs[DateTriggerDetails],
	TriggerNumOfAttendees:   decodeAs[AttendeeCountTriggerDetails],
	TriggerStatus:           decodeAs[StatusTriggerDetails],
	TriggerRegistration:     decodeAs[RegistrationTriggerDetails],
	ActionEmail:             decodeAs[EmailActionDetails],
	ActionNotification:      decodeAs[NotificationActionDetails],
	ActionStatusChange:      decodeAs[StatusChangeActionDetails],
	ActionFileShare:         decodeAs[FileShareActionDetails],
	ActionImageChange:       decodeAs[ImageChangeActionDetails],
	ActionTitleChange:       decodeAs[TitleChangeActionDetails],
	ActionDescriptionChange: decodeAs[DescriptionChangeActionDetails],
}

// IsKnownType reports whether t has a typed details variant.
func IsKnownType(t RuleType) bool {
	_, ok := detailsDecoders[t]
	return ok
}

// DecodeDetails decodes a JSON object into the variant for t. Unknown types
// decode into GenericDetails. An error is returned when a known type's
// payload has the wrong shape.
func DecodeDetails(t RuleType, raw []byte) (Details, error) {
	decode, ok := detailsDecoders[t]
	if !ok {
		return genericFromRaw(t, raw), nil
	}
	d, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("details for %q: %w", t, err)
	}
	return d, nil
}

// DecodeDetailsLenient decodes like DecodeDetails but falls back to
// GenericDetails when a known type's payload has the wrong shape.
func DecodeDetailsLenient(t RuleType, raw []byte) Details {
	d, err := DecodeDetails(t, raw)
	if err != nil {
		return genericFromRaw(t, raw)
	}
	return d
}

// DetailsFromMap converts a loose key/value map into the variant for t.
func DetailsFromMap(t RuleType, m map[string]any) (Details, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("details for %q: %w", t, err)
	}
	return DecodeDetails(t, raw)
}

// DetailsToMap flattens details into the key/value form used on the wire
// and by the detail formatter. A nil Details yields an empty map.
func DetailsToMap(d Details) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	if g, ok := d.(GenericDetails); ok {
		out := make(map[string]any, len(g.Values))
		for k, v := range g.Values {
			out[k] = v
		}
		return out
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// ZeroDetails returns the empty variant for t, or an empty GenericDetails.
func ZeroDetails(t RuleType) Details {
	d, err := DecodeDetails(t, nil)
	if err != nil {
		return GenericDetails{Type: t}
	}
	return d
}

// ApplyDefaults fills optional fields that have a documented default.
func ApplyDefaults(d Details) Details {
	switch v := d.(type) {
	case AttendeeCountTriggerDetails:
		if v.Comparison == "" {
			v.Comparison = ComparisonAtLeast
		}
		return v
	case EmailActionDetails:
		if v.Recipients == "" {
			v.Recipients = RecipientsAll
		}
		return v
	case FileShareActionDetails:
		if v.Recipients == "" {
			v.Recipients = RecipientsAll
		}
		return v
	case NotificationActionDetails:
		if v.Channel == "" {
			v.Channel = "inApp"
		}
		return v
	}
	return d
}

func genericFromRaw(t RuleType, raw []byte) GenericDetails {
	g := GenericDetails{Type: t, Values: map[string]any{}}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &g.Values)
	}
	if g.Values == nil {
		g.Values = map[string]any{}
	}
	return g
}
