package capability

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/flowdesk/model"
)

// knownCapabilities are the grants a policy may name, alone or through a
// wildcard.
var knownCapabilities = []string{
	model.CapTemplatesView,
	model.CapTemplatesEdit,
	model.CapEventsView,
	model.CapEventsEdit,
}

// Policy maps roles to capabilities. Organizations adds grants that only
// apply to sessions of one organization.
type Policy struct {
	Roles         map[string][]string            `yaml:"roles"`
	Organizations map[string]map[string][]string `yaml:"organizations"`
}

// Validate rejects grants that match no flow capability, so typos fail at
// load instead of silently denying access.
func (p Policy) Validate() error {
	var errs []error
	check := func(scope string, roles map[string][]string) {
		for role, caps := range roles {
			for _, c := range caps {
				if !grantsAnything(c) {
					errs = append(errs, fmt.Errorf("%srole %q: unknown capability %q", scope, role, c))
				}
			}
		}
	}
	check("", p.Roles)
	for org, roles := range p.Organizations {
		check("organization "+org+": ", roles)
	}
	return errors.Join(errs...)
}

func grantsAnything(grant string) bool {
	set := model.CapabilitySet{grant: true}
	return slices.ContainsFunc(knownCapabilities, set.Has)
}

// StaticPolicyEvaluator resolves capabilities from a Policy, optionally read
// from a YAML file:
//
//	roles:
//	  flow_admin: ["flows:*"]
//	  event_manager: ["flows:events:*", "flows:templates:view"]
//	organizations:
//	  org-42:
//	    event_manager: ["flows:templates:edit"]
type StaticPolicyEvaluator struct {
	path string

	mu     sync.RWMutex
	policy Policy
}

// NewStaticPolicyEvaluator loads the policy file at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewStaticPolicy returns an evaluator over an in-memory role mapping.
func NewStaticPolicy(roles map[string][]string) *StaticPolicyEvaluator {
	return &StaticPolicyEvaluator{policy: Policy{Roles: roles}}
}

// ResolveCapabilities unions the grants of every session role, including
// those specific to the session's organization.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	orgRoles := e.policy.Organizations[rctx.OrganizationID]
	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, c := range e.policy.Roles[role] {
			caps[c] = true
		}
		for _, c := range orgRoles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Sync rereads the policy file. A file that fails to parse or validate
// leaves the current policy in place. In-memory evaluators have nothing to
// reread.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: read policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parse policy %s: %w", e.path, err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("capability: policy %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	return nil
}

// Roles lists the roles the policy grants anything to, sorted.
func (e *StaticPolicyEvaluator) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]bool, len(e.policy.Roles))
	for role := range e.policy.Roles {
		seen[role] = true
	}
	for _, roles := range e.policy.Organizations {
		for role := range roles {
			seen[role] = true
		}
	}
	out := make([]string, 0, len(seen))
	for role := range seen {
		out = append(out, role)
	}
	slices.Sort(out)
	return out
}
