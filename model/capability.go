package model

import "strings"

// Operator capabilities checked by the HTTP API.
const (
	CapWorkflowsView      = "workflows:view"
	CapWorkflowsStart     = "workflows:start"
	CapWorkflowsSignal    = "workflows:signal"
	CapWorkflowsTerminate = "workflows:terminate"
	CapSchedulesView      = "schedules:view"
	CapSchedulesManage    = "schedules:manage"
)

// CapabilitySet is a set of capabilities granted to an operator. Keys may end
// in a wildcard segment (e.g. "workflows:*").
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

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"            matches anything
//	"workflows:*"  matches "workflows:start"
//	"workflows"    does NOT match "workflows:start"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}

// PolicyEvaluator maps operator roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
	// Sync refreshes policy data from its source.
	Sync() error
}
