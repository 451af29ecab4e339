// Package registry maps trigger and action type tags to their display
// metadata and detail field schema.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pitabwire/flowdesk/model"
)

// IconCategory is the icon family a rule type is drawn with.
type IconCategory string

const (
	IconCalendar  IconCategory = "calendar"
	IconUsers     IconCategory = "users"
	IconFlag      IconCategory = "flag"
	IconUserPlus  IconCategory = "user-plus"
	IconMail      IconCategory = "mail"
	IconBell      IconCategory = "bell"
	IconRefresh   IconCategory = "refresh"
	IconShare     IconCategory = "share"
	IconImage     IconCategory = "image"
	IconType      IconCategory = "type"
	IconAlignLeft IconCategory = "align-left"

	// IconZap is the generic icon used for types without an entry.
	IconZap IconCategory = "zap"
)

var knownIcons = map[IconCategory]bool{
	IconCalendar: true, IconUsers: true, IconFlag: true, IconUserPlus: true,
	IconMail: true, IconBell: true, IconRefresh: true, IconShare: true,
	IconImage: true, IconType: true, IconAlignLeft: true, IconZap: true,
}

// ValidIcon reports whether c is a known icon category.
func ValidIcon(c IconCategory) bool {
	return knownIcons[c]
}

// Field input kinds.
const (
	FieldText   = "text"
	FieldDate   = "date"
	FieldNumber = "number"
	FieldEnum   = "enum"
	FieldURL    = "url"
)

// Field describes one key of a rule type's details payload.
type Field struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Input    string   `json:"input"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// Entry is the registered metadata of one rule type.
type Entry struct {
	Type   model.RuleType `json:"type"`
	Kind   model.RuleKind `json:"kind"`
	Title  string         `json:"title"`
	Icon   IconCategory   `json:"icon"`
	Fields []Field        `json:"fields"`
}

// FieldKeys returns the detail keys of e in schema order.
func (e Entry) FieldKeys() []string {
	keys := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		keys[i] = f.Key
	}
	return keys
}

// Registry holds the rule type entries. It is safe for concurrent use;
// overrides may be applied while requests are being served.
type Registry struct {
	mu        sync.RWMutex
	entries   map[model.RuleType]Entry
	order     []model.RuleType
	overrides Overrides
}

// New returns a registry holding the built-in trigger and action types.
func New() *Registry {
	r := &Registry{entries: make(map[model.RuleType]Entry)}
	for _, e := range builtinEntries() {
		r.Register(e)
	}
	return r
}

// Register adds an entry. Panics if the type is already registered or the
// entry is incomplete, since both indicate a wiring mistake at startup.
func (r *Registry) Register(e Entry) {
	if e.Type == "" || !e.Kind.Valid() {
		panic(fmt.Sprintf("registry: entry %q has no type or kind", e.Type))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Type]; exists {
		panic(fmt.Sprintf("registry: type %q already registered", e.Type))
	}
	r.entries[e.Type] = e
	r.order = append(r.order, e.Type)
}

// Lookup returns the entry for t with any overrides applied.
func (r *Registry) Lookup(t model.RuleType) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	if !ok {
		return Entry{}, false
	}
	return r.overridden(e), true
}

// TitleFor returns the display title of t. Unknown types get their tag
// capitalized; an empty tag yields "Rule".
func (r *Registry) TitleFor(t model.RuleType) string {
	if e, ok := r.Lookup(t); ok && e.Title != "" {
		return e.Title
	}
	return fallbackTitle(t)
}

// IconFor returns the icon category of t, IconZap when unknown.
func (r *Registry) IconFor(t model.RuleType) IconCategory {
	if e, ok := r.Lookup(t); ok && e.Icon != "" {
		return e.Icon
	}
	return IconZap
}

// KindOf returns whether t is a trigger or an action type.
func (r *Registry) KindOf(t model.RuleType) (model.RuleKind, bool) {
	e, ok := r.Lookup(t)
	if !ok {
		return "", false
	}
	return e.Kind, true
}

// Types returns the registered types of the given kind in registration order.
func (r *Registry) Types(kind model.RuleKind) []model.RuleType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.RuleType
	for _, t := range r.order {
		if r.entries[t].Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Catalog returns every entry, triggers first, each group in registration
// order.
func (r *Registry) Catalog() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.overridden(r.entries[t]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Kind == model.KindTrigger && out[j].Kind == model.KindAction
	})
	return out
}

// ApplyOverrides replaces the active title and icon overrides. Overrides for
// unknown types or with unknown icons are ignored; built-in types can never
// be removed this way. Returns the number of overrides that took effect.
func (r *Registry) ApplyOverrides(o Overrides) int {
	clean := Overrides{Types: make(map[model.RuleType]Override, len(o.Types))}
	r.mu.Lock()
	defer r.mu.Unlock()
	for t, ov := range o.Types {
		if _, ok := r.entries[t]; !ok {
			continue
		}
		if ov.Icon != "" && !knownIcons[ov.Icon] {
			ov.Icon = ""
		}
		if ov.Title == "" && ov.Icon == "" {
			continue
		}
		clean.Types[t] = ov
	}
	r.overrides = clean
	return len(clean.Types)
}

func (r *Registry) overridden(e Entry) Entry {
	ov, ok := r.overrides.Types[e.Type]
	if !ok {
		return e
	}
	if ov.Title != "" {
		e.Title = ov.Title
	}
	if ov.Icon != "" {
		e.Icon = ov.Icon
	}
	return e
}

func fallbackTitle(t model.RuleType) string {
	s := strings.TrimSpace(string(t))
	if s == "" {
		return "Rule"
	}
	first, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(first)) + s[size:]
}
