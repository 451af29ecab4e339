package summary

import (
	"strings"
	"testing"

	"github.com/pitabwire/flowdesk/internal/registry"
	"github.com/pitabwire/flowdesk/model"
)

// --- Summarize ---

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		typ  model.RuleType
		d    model.Details
		want string
	}{
		{"status", model.TriggerStatus, model.StatusTriggerDetails{Status: "cancelled"}, "Runs when the event status changes to Cancelled"},
		{"email with template", model.ActionEmail, model.EmailActionDetails{TemplateName: "Welcome", Recipients: "all"}, "Sends email using template Welcome to all attendees"},
		{"email empty", model.ActionEmail, model.EmailActionDetails{}, "Sends an email to attendees"},
		{"email nil details", model.ActionEmail, nil, "Sends an email to attendees"},
		{"unknown type", "webhook", model.GenericDetails{Type: "webhook"}, "Runs the Webhook rule"},
		{"empty type", "", nil, "Runs this rule"},
		{"attendees", model.TriggerNumOfAttendees, model.AttendeeCountTriggerDetails{Count: 100}, "Runs when the event reaches at least 100 attendees"},
		{"attendees exactly one", model.TriggerNumOfAttendees, model.AttendeeCountTriggerDetails{Count: 1, Comparison: "exactly"}, "Runs when the event reaches exactly 1 attendee"},
		{"fixed date", model.TriggerDate, model.DateTriggerDetails{Date: "2023-10-18T14:23:12Z"}, "Runs on Oct 18, 2023, 2:23 PM"},
		{"relative date before", model.TriggerDate, model.DateTriggerDetails{RelativeTo: "startDate", OffsetDays: -2}, "Runs 2 days before the event starts"},
		{"relative date same day", model.TriggerDate, model.DateTriggerDetails{RelativeTo: "endDate"}, "Runs on the day the event ends"},
		{"registration ticket", model.TriggerRegistration, model.RegistrationTriggerDetails{TicketType: "VIP"}, "Runs when someone registers with a VIP ticket"},
		{"status change", model.ActionStatusChange, model.StatusChangeActionDetails{NewStatus: "published"}, "Changes the event status to Published"},
		{"file share", model.ActionFileShare, model.FileShareActionDetails{FileName: "agenda.pdf", Recipients: "checkedIn"}, "Shares agenda.pdf with checked-in attendees"},
		{"title change", model.ActionTitleChange, model.TitleChangeActionDetails{NewTitle: "Sold out"}, `Changes the event title to "Sold out"`},
		{"push notification", model.ActionNotification, model.NotificationActionDetails{Message: "Doors open", Channel: "push"}, `Sends a push notification: "Doors open"`},
		{"mismatched details", model.ActionEmail, model.StatusTriggerDetails{Status: "draft"}, "Sends an email to attendees"},
		{"generic details for known type", model.TriggerStatus, model.GenericDetails{Type: model.TriggerStatus}, "Runs the Status Trigger rule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.typ, tt.d); got != tt.want {
				t.Errorf("Summarize(%q) = %q, want %q", tt.typ, got, tt.want)
			}
		})
	}
}

func TestSummarize_neverEmptyForRegisteredTypes(t *testing.T) {
	reg := registry.New()
	s := New(reg, nil)
	for _, e := range reg.Catalog() {
		if got := s.Summarize(e.Type, nil); got == "" {
			t.Errorf("Summarize(%q, nil) is empty", e.Type)
		}
		if got := s.Summarize(e.Type, model.ZeroDetails(e.Type)); got == "" {
			t.Errorf("Summarize(%q, zero) is empty", e.Type)
		}
	}
}

func TestSummarize_mismatchedAndUnknownDetails(t *testing.T) {
	s := New(registry.New(), nil)
	tests := []struct {
		name string
		typ  model.RuleType
		d    model.Details
		want string
	}{
		{"details of another type", model.TriggerStatus, model.EmailActionDetails{TemplateID: "welcome"}, "Runs when the event status changes"},
		{"unknown type", "webhook", model.GenericDetails{Type: "webhook"}, "Runs the " + registry.New().TitleFor("webhook") + " rule"},
		{"empty type", "", nil, "Runs this rule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Summarize(tt.typ, tt.d); got != tt.want {
				t.Errorf("Summarize = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummarize_longMessageIsTruncated(t *testing.T) {
	msg := strings.Repeat("a", 200)
	got := Summarize(model.ActionNotification, model.NotificationActionDetails{Message: msg})
	if len([]rune(got)) > 100 {
		t.Errorf("summary length = %d, want truncated", len([]rune(got)))
	}
}

// --- Describe ---

func TestDescribe(t *testing.T) {
	r := model.Rule{
		ID:   "a1",
		Kind: model.KindAction,
		Type: model.ActionEmail,
		Details: model.EmailActionDetails{
			TemplateID:   "tpl-1",
			TemplateName: "Welcome",
			Recipients:   "all",
		},
		ExistInDB: true,
	}
	d := New(nil, nil).Describe(r)

	if d.Title != "Email Action" {
		t.Errorf("Title = %q, want Email Action", d.Title)
	}
	if d.Name != "Email Action" {
		t.Errorf("Name = %q, want default title", d.Name)
	}
	if d.Icon != registry.IconMail {
		t.Errorf("Icon = %q, want mail", d.Icon)
	}
	if d.Description != d.Summary {
		t.Errorf("Description = %q, want summary %q", d.Description, d.Summary)
	}
	if !d.Persisted {
		t.Error("Persisted = false, want true")
	}
	keys := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		keys[i] = f.Key
	}
	want := []string{"templateId", "templateName", "recipients"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("field order = %v, want %v", keys, want)
	}
	if d.Fields[0].Label != "Template" {
		t.Errorf("Fields[0].Label = %q, want Template", d.Fields[0].Label)
	}
}

func TestDescribe_unknownTypeSortsKeys(t *testing.T) {
	r := model.Rule{
		ID:      "t1",
		Type:    "webhook",
		Details: model.GenericDetails{Type: "webhook", Values: map[string]any{"url": "https://x", "method": "POST", "sentAt": nil}},
	}
	d := New(nil, nil).Describe(r)
	if d.Icon != registry.IconZap {
		t.Errorf("Icon = %q, want zap", d.Icon)
	}
	if len(d.Fields) != 3 || d.Fields[0].Key != "method" || d.Fields[2].Key != "url" {
		t.Fatalf("Fields = %+v", d.Fields)
	}
	if d.Fields[1].Value != "Not set" || d.Fields[1].Label != "Sent At" {
		t.Errorf("Fields[1] = %+v", d.Fields[1])
	}
}

func TestDescribeFlow(t *testing.T) {
	f := model.Flow{
		ID:      "f1",
		EventID: "e1",
		Triggers: []model.Rule{
			{ID: "t1", FlowID: "f1", Kind: model.KindTrigger, Type: model.TriggerRegistration, Details: model.RegistrationTriggerDetails{}},
		},
	}
	fd := New(nil, nil).DescribeFlow(f)
	if fd.Scope != model.ScopeEvent {
		t.Errorf("Scope = %q, want event", fd.Scope)
	}
	if len(fd.Triggers) != 1 || fd.Actions == nil || len(fd.Actions) != 0 {
		t.Errorf("Triggers = %d, Actions = %v", len(fd.Triggers), fd.Actions)
	}
}
