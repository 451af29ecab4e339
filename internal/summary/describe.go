package summary

import (
	"slices"
	"sort"

	"github.com/pitabwire/flowdesk/internal/registry"
	"github.com/pitabwire/flowdesk/internal/schema"
	"github.com/pitabwire/flowdesk/model"
)

// FieldDescriptor is one formatted detail row.
type FieldDescriptor struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// RuleDescriptor is the list-view rendering of a trigger or action.
type RuleDescriptor struct {
	ID          string                `json:"id"`
	Kind        model.RuleKind        `json:"kind"`
	Type        model.RuleType        `json:"type"`
	Title       string                `json:"title"`
	Icon        registry.IconCategory `json:"icon"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Summary     string                `json:"summary"`
	Fields      []FieldDescriptor     `json:"fields"`
	Persisted   bool                  `json:"persisted"`
}

// FlowDescriptor is the read-only rendering of a flow.
type FlowDescriptor struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Scope        string           `json:"scope"`
	EventID      string           `json:"eventId,omitempty"`
	MultipleRuns bool             `json:"multipleRuns"`
	UpdatedAt    string           `json:"updatedAt,omitempty"`
	Triggers     []RuleDescriptor `json:"triggers"`
	Actions      []RuleDescriptor `json:"actions"`
}

// Describe renders a rule for list display.
func (s *Summarizer) Describe(r model.Rule) RuleDescriptor {
	sum := s.Summarize(r.Type, r.Details)
	title := s.registry.TitleFor(r.Type)
	d := RuleDescriptor{
		ID:          r.ID,
		Kind:        r.Kind,
		Type:        r.Type,
		Title:       title,
		Icon:        s.registry.IconFor(r.Type),
		Name:        firstNonEmpty(r.Name, title),
		Description: firstNonEmpty(r.Description, sum),
		Summary:     sum,
		Persisted:   r.ExistInDB,
	}

	values := model.DetailsToMap(r.Details)
	for _, key := range s.fieldOrder(r.Type, values) {
		d.Fields = append(d.Fields, FieldDescriptor{
			Key:   key,
			Label: s.fieldLabel(r.Type, key),
			Value: s.formatter.FormatValue(key, values[key]),
		})
	}
	return d
}

// DescribeFlow renders every rule of f.
func (s *Summarizer) DescribeFlow(f model.Flow) FlowDescriptor {
	fd := FlowDescriptor{
		ID:           f.ID,
		Name:         f.Name,
		Description:  f.Description,
		Scope:        f.Ref().Scope(),
		EventID:      f.EventID,
		MultipleRuns: f.MultipleRuns,
		UpdatedAt:    f.UpdatedAt,
		Triggers:     make([]RuleDescriptor, 0, len(f.Triggers)),
		Actions:      make([]RuleDescriptor, 0, len(f.Actions)),
	}
	for _, r := range f.Triggers {
		fd.Triggers = append(fd.Triggers, s.Describe(r))
	}
	for _, r := range f.Actions {
		fd.Actions = append(fd.Actions, s.Describe(r))
	}
	return fd
}

// fieldOrder lists registry schema keys present in values first, then the
// remaining keys alphabetically.
func (s *Summarizer) fieldOrder(t model.RuleType, values map[string]any) []string {
	var schemaKeys []string
	if e, ok := s.registry.Lookup(t); ok {
		schemaKeys = e.FieldKeys()
	}
	keys := make([]string, 0, len(values))
	for _, k := range schemaKeys {
		if _, ok := values[k]; ok {
			keys = append(keys, k)
		}
	}
	var rest []string
	for k := range values {
		if !slices.Contains(schemaKeys, k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func (s *Summarizer) fieldLabel(t model.RuleType, key string) string {
	if e, ok := s.registry.Lookup(t); ok {
		for _, f := range e.Fields {
			if f.Key == key && f.Label != "" {
				return f.Label
			}
		}
	}
	return schema.FormatLabel(key)
}
