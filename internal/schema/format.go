// Package schema formats rule detail keys and values for display and
// validates typed details against their per-type rules.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DefaultDisplayLayout renders timestamps like "Oct 18, 2023, 2:23 PM".
const DefaultDisplayLayout = "Jan 2, 2006, 3:04 PM"

const dateOnlyDisplayLayout = "Jan 2, 2006"

// NotSet is rendered for missing or empty values.
const NotSet = "Not set"

// Formatter renders detail keys and values in the console's display
// timezone and layout.
type Formatter struct {
	loc    *time.Location
	layout string
}

// NewFormatter returns a formatter for the given location and layout. A nil
// location means UTC; an empty layout means DefaultDisplayLayout.
func NewFormatter(loc *time.Location, layout string) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	if layout == "" {
		layout = DefaultDisplayLayout
	}
	return &Formatter{loc: loc, layout: layout}
}

// NewFormatterForZone resolves an IANA timezone name. An empty name means UTC.
func NewFormatterForZone(zone, layout string) (*Formatter, error) {
	if zone == "" {
		return NewFormatter(time.UTC, layout), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("display timezone %q: %w", zone, err)
	}
	return NewFormatter(loc, layout), nil
}

// In returns a copy of f rendering in loc. A nil loc returns f unchanged.
func (f *Formatter) In(loc *time.Location) *Formatter {
	if loc == nil {
		return f
	}
	return &Formatter{loc: loc, layout: f.layout}
}

// FormatLabel turns a camelCase, snake_case or kebab-case key into
// space-separated title case words.
func FormatLabel(key string) string {
	words := splitWords(key)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func splitWords(key string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(strings.TrimSpace(key))
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '.':
			flush()
		case unicode.IsUpper(r):
			// Break before an upper-case rune unless it continues an acronym.
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if prevLower || (prevUpper && nextLower) {
				flush()
			}
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

// IsDateKey reports whether values under key are treated as dates.
func IsDateKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "date") || strings.HasSuffix(key, "At")
}

// FormatValue renders one detail value for display. Numbers under a date
// key are read as Unix milliseconds.
func (f *Formatter) FormatValue(key string, value any) string {
	return f.format(key, value)
}

func (f *Formatter) format(key string, value any) string {
	if IsDateKey(key) {
		if ms, ok := epochMillis(value); ok {
			if ms == 0 {
				return NotSet
			}
			return time.UnixMilli(ms).In(f.loc).Format(f.layout)
		}
	}
	switch v := value.(type) {
	case nil:
		return NotSet
	case string:
		if strings.TrimSpace(v) == "" {
			return NotSet
		}
		if IsDateKey(key) {
			return f.formatDate(v)
		}
		return v
	case bool:
		if v {
			return "Yes"
		}
		return "No"
	case time.Time:
		if v.IsZero() {
			return NotSet
		}
		return v.In(f.loc).Format(f.layout)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case []string:
		if len(v) == 0 {
			return NotSet
		}
		return strings.Join(v, ", ")
	case []any:
		if len(v) == 0 {
			return NotSet
		}
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = f.format(key, item)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		if len(v) == 0 {
			return NotSet
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = FormatLabel(k) + ": " + f.format(k, v[k])
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(value)
}

// epochMillis reads a numeric value as a count of milliseconds.
func epochMillis(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return epochMillis(float64(v))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		n, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return epochMillis(n)
	}
	return 0, false
}

func (f *Formatter) formatDate(s string) string {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(f.loc).Format(f.layout)
		}
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Format(dateOnlyDisplayLayout)
	}
	return s
}

var defaultFormatter = NewFormatter(time.UTC, DefaultDisplayLayout)

// FormatValue renders value with the UTC default formatter.
func FormatValue(key string, value any) string {
	return defaultFormatter.FormatValue(key, value)
}
