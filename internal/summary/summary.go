// Package summary renders one-line, human-readable descriptions of triggers
// and actions for list views.
package summary

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pitabwire/flowdesk/internal/registry"
	"github.com/pitabwire/flowdesk/internal/schema"
	"github.com/pitabwire/flowdesk/model"
)

const maxQuoted = 60

// Summarizer produces rule summaries using the registry for titles and the
// formatter for dates.
type Summarizer struct {
	registry  *registry.Registry
	formatter *schema.Formatter
}

// New returns a Summarizer. Nil arguments fall back to the built-in registry
// and the UTC formatter.
func New(reg *registry.Registry, f *schema.Formatter) *Summarizer {
	if reg == nil {
		reg = registry.New()
	}
	if f == nil {
		f = schema.NewFormatter(nil, "")
	}
	return &Summarizer{registry: reg, formatter: f}
}

var defaultSummarizer = New(nil, nil)

// Summarize describes a rule of type t with the default summarizer.
func Summarize(t model.RuleType, d model.Details) string {
	return defaultSummarizer.Summarize(t, d)
}

// Summarize returns a sentence describing what a rule of type t with
// details d does. The result is never empty.
func (s *Summarizer) Summarize(t model.RuleType, d model.Details) string {
	if d == nil || d.RuleType() != t {
		d = model.ZeroDetails(t)
	}

	switch v := d.(type) {
	case model.DateTriggerDetails:
		return s.dateTrigger(v)
	case model.AttendeeCountTriggerDetails:
		if v.Count <= 0 {
			return "Runs when the attendee count reaches a threshold"
		}
		cmp := "at least"
		if v.Comparison == model.ComparisonExactly {
			cmp = "exactly"
		}
		return fmt.Sprintf("Runs when the event reaches %s %d %s", cmp, v.Count, plural(v.Count, "attendee"))
	case model.StatusTriggerDetails:
		if v.Status == "" {
			return "Runs when the event status changes"
		}
		return "Runs when the event status changes to " + titleWord(v.Status)
	case model.RegistrationTriggerDetails:
		if v.TicketType == "" {
			return "Runs when someone registers for the event"
		}
		return fmt.Sprintf("Runs when someone registers with a %s ticket", v.TicketType)
	case model.EmailActionDetails:
		template := firstNonEmpty(v.TemplateName, v.TemplateID)
		if template == "" {
			if v.Recipients == "" {
				return "Sends an email to attendees"
			}
			return "Sends an email to " + audience(v.Recipients)
		}
		return fmt.Sprintf("Sends email using template %s to %s", template, audience(v.Recipients))
	case model.NotificationActionDetails:
		kind := "a notification"
		switch v.Channel {
		case "push":
			kind = "a push notification"
		case "sms":
			kind = "an SMS"
		}
		if v.Message == "" {
			return "Sends " + kind + " to attendees"
		}
		return fmt.Sprintf("Sends %s: %q", kind, truncate(v.Message, maxQuoted))
	case model.StatusChangeActionDetails:
		if v.NewStatus == "" {
			return "Changes the event status"
		}
		return "Changes the event status to " + titleWord(v.NewStatus)
	case model.FileShareActionDetails:
		file := firstNonEmpty(v.FileName, "a file")
		return fmt.Sprintf("Shares %s with %s", file, audience(v.Recipients))
	case model.ImageChangeActionDetails:
		return "Changes the event image"
	case model.TitleChangeActionDetails:
		if v.NewTitle == "" {
			return "Changes the event title"
		}
		return fmt.Sprintf("Changes the event title to %q", truncate(v.NewTitle, maxQuoted))
	case model.DescriptionChangeActionDetails:
		return "Updates the event description"
	}
	return s.fallback(t)
}

func (s *Summarizer) dateTrigger(v model.DateTriggerDetails) string {
	if v.Date != "" {
		return "Runs on " + s.formatter.FormatValue("date", v.Date)
	}
	anchor := ""
	switch v.RelativeTo {
	case "startDate":
		anchor = "the event starts"
	case "endDate":
		anchor = "the event ends"
	default:
		return "Runs on a scheduled date"
	}
	switch {
	case v.OffsetDays == 0:
		return "Runs on the day " + anchor
	case v.OffsetDays < 0:
		n := -v.OffsetDays
		return fmt.Sprintf("Runs %d %s before %s", n, plural(n, "day"), anchor)
	default:
		return fmt.Sprintf("Runs %d %s after %s", v.OffsetDays, plural(v.OffsetDays, "day"), anchor)
	}
}

func (s *Summarizer) fallback(t model.RuleType) string {
	if strings.TrimSpace(string(t)) == "" {
		return "Runs this rule"
	}
	return "Runs the " + s.registry.TitleFor(t) + " rule"
}

func audience(recipients string) string {
	switch recipients {
	case model.RecipientsRegistered:
		return "registered attendees"
	case model.RecipientsWaitlisted:
		return "waitlisted attendees"
	case model.RecipientsCheckedIn:
		return "checked-in attendees"
	case "", model.RecipientsAll:
		return "all attendees"
	}
	return recipients
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func titleWord(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
