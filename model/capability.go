package model

import "strings"

// Flow capabilities.
const (
	CapTemplatesView = "flows:templates:view"
	CapTemplatesEdit = "flows:templates:edit"
	CapEventsView    = "flows:events:view"
	CapEventsEdit    = "flows:events:edit"
)

// ViewCapability returns the capability required to read the flow at ref.
func ViewCapability(ref FlowRef) string {
	if ref.IsTemplate {
		return CapTemplatesView
	}
	return CapEventsView
}

// EditCapability returns the capability required to change the flow at ref.
func EditCapability(ref FlowRef) string {
	if ref.IsTemplate {
		return CapTemplatesEdit
	}
	return CapEventsEdit
}

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "flows:events:edit") and may include wildcards
// (e.g. "flows:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAny returns true if the set matches at least one of the given
// capabilities (including via wildcards).
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
// Examples:
//
//	"*"                matches anything
//	"flows:*"          matches "flows:events:edit"
//	"flows:events:*"   matches "flows:events:view"
//	"flows:events"     does NOT match "flows:events:view"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the given subject/organization.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given user and organization.
	Invalidate(subjectID, organizationID string)
}

// PolicyEvaluator maps a request context to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
