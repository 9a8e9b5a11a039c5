package access

import (
	"sort"
	"strings"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// AuditFunc receives every evaluation outcome, win or lose, for the audit
// sink (spec §4.M2 audit hook).
type AuditFunc func(ec core.EvaluationContext, d core.Decision)

// Engine evaluates an EvaluationContext against a set of registered
// policies. Unlike the Tool Policy Engine's ordered-layer fold, policies here
// are unordered and sorted by priority at evaluation time, with deny-first
// tiebreaking, mirroring an ABAC model rather than a fixed pipeline.
type Engine struct {
	roles       RoleResolver
	inheritance *InheritanceManager
	audit       AuditFunc
}

// RoleResolver expands a principal into the roles/groups it holds, feeding
// EvaluationContext.PrincipalRoles/PrincipalGroups when the caller does not
// already populate them.
type RoleResolver interface {
	RolesFor(principal string) []string
	GroupsFor(principal string) []string
}

// New creates an Access Policy Engine. roles and inheritance may be nil.
func New(roles RoleResolver, inheritance *InheritanceManager, audit AuditFunc) *Engine {
	return &Engine{roles: roles, inheritance: inheritance, audit: audit}
}

// Evaluate runs ec against policies, returning the winning Decision.
// Default is deny: if no policy matches, the result is EffectDeny with
// reason "no matching policy".
//
// Matching policies are sorted by priority descending, deny effect first on
// ties, so a higher-priority or deny rule always wins over a lower-priority
// or allow rule at the same priority.
func (e *Engine) Evaluate(ec core.EvaluationContext, policies []core.Policy) core.Decision {
	start := time.Now()
	ec = e.enrich(ec)

	var matched []core.Policy
	for _, p := range policies {
		if e.matches(p, ec) {
			matched = append(matched, p)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		// Deny-first tiebreak at equal priority.
		return matched[i].Effect == core.EffectDeny && matched[j].Effect != core.EffectDeny
	})

	decision := core.Decision{Effect: core.EffectDeny, Reason: "no matching policy"}
	if len(matched) > 0 {
		winner := matched[0]
		decision = core.Decision{
			Effect:          winner.Effect,
			MatchedPolicyID: winner.ID,
			Reason:          "matched policy " + winner.ID,
		}
	}

	if e.inheritance != nil {
		decision = e.inheritance.Resolve(ec, decision)
	}

	decision.EvaluationTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	if e.audit != nil {
		e.audit(ec, decision)
	}
	return decision
}

func (e *Engine) enrich(ec core.EvaluationContext) core.EvaluationContext {
	if e.roles == nil {
		return ec
	}
	if len(ec.PrincipalRoles) == 0 {
		ec.PrincipalRoles = e.roles.RolesFor(ec.Principal)
	}
	if len(ec.PrincipalGroups) == 0 {
		ec.PrincipalGroups = e.roles.GroupsFor(ec.Principal)
	}
	return ec
}

func (e *Engine) matches(p core.Policy, ec core.EvaluationContext) bool {
	if p.TenantScope != "" && p.TenantScope != ec.TenantID {
		return false
	}
	if !matchPrincipal(p.Principals, ec) {
		return false
	}
	if !matchAny(p.Resources, ec.Resource) {
		return false
	}
	if !matchAny(p.Actions, ec.Action) {
		return false
	}
	return matchConditions(p.Conditions, ec)
}

// matchPrincipal supports plain glob patterns against ec.Principal, plus the
// "role:x" and "tenant:x" qualifiers against ec.PrincipalRoles/ec.TenantID.
func matchPrincipal(patterns []string, ec core.EvaluationContext) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		switch {
		case strings.HasPrefix(p, "role:"):
			role := strings.TrimPrefix(p, "role:")
			for _, r := range ec.PrincipalRoles {
				if matchPattern(role, r) {
					return true
				}
			}
		case strings.HasPrefix(p, "group:"):
			group := strings.TrimPrefix(p, "group:")
			for _, g := range ec.PrincipalGroups {
				if matchPattern(group, g) {
					return true
				}
			}
		case strings.HasPrefix(p, "tenant:"):
			if matchPattern(strings.TrimPrefix(p, "tenant:"), ec.TenantID) {
				return true
			}
		default:
			if matchPattern(p, ec.Principal) {
				return true
			}
		}
	}
	return false
}
