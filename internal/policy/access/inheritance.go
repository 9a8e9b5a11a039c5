package access

import (
	"fmt"
	"sync"

	"github.com/conclave-run/conclave/internal/core"
)

// InheritanceManager maintains the tenant→group→user inheritance DAG for
// policy resolution. A node can have multiple parents (a user can belong to
// several groups; a group can belong to several tenants' shared-policy
// scopes), so this is a DAG rather than a strict tree.
//
// Grounded on the teacher's group-graph expansion in
// internal/tools/policy/groups.go: ExpandGroups there walks a flat
// group→members map to a union of leaf entries. InheritanceManager
// generalizes that single-level expansion into a walk over an arbitrary-depth
// parent graph, with cycle rejection at edge-insertion time.
type InheritanceManager struct {
	mu       sync.RWMutex
	parents  map[string][]string // node -> immediate parents
	policies map[string][]core.Policy
}

// NewInheritanceManager creates an empty inheritance DAG.
func NewInheritanceManager() *InheritanceManager {
	return &InheritanceManager{
		parents:  make(map[string][]string),
		policies: make(map[string][]core.Policy),
	}
}

// AddEdge records that child inherits from parent (e.g. user -> group, group
// -> tenant). It is rejected if it would introduce a cycle.
func (m *InheritanceManager) AddEdge(child, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if child == parent {
		return fmt.Errorf("access: self-referential inheritance edge %q", child)
	}
	if m.reaches(parent, child) {
		return fmt.Errorf("access: edge %s -> %s would create a cycle", child, parent)
	}
	m.parents[child] = append(m.parents[child], parent)
	return nil
}

// reaches reports whether a walk of parent-edges from start ever lands on
// target. Must be called with m.mu held.
func (m *InheritanceManager) reaches(start, target string) bool {
	visited := make(map[string]bool)
	var walk func(string) bool
	walk = func(node string) bool {
		if node == target {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, p := range m.parents[node] {
			if walk(p) {
				return true
			}
		}
		return false
	}
	return walk(start)
}

// SetPolicies attaches the policy set owned directly by a node (tenant,
// group, or user identifier).
func (m *InheritanceManager) SetPolicies(node string, policies []core.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[node] = append([]core.Policy{}, policies...)
}

// EffectivePolicies returns every policy attached to node or to any of its
// ancestors in the DAG, de-duplicated by policy ID.
func (m *InheritanceManager) EffectivePolicies(node string) []core.Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	visitedNodes := make(map[string]bool)
	var out []core.Policy

	var walk func(string)
	walk = func(n string) {
		if visitedNodes[n] {
			return
		}
		visitedNodes[n] = true
		for _, p := range m.policies[n] {
			if !seen[p.ID] {
				seen[p.ID] = true
				out = append(out, p)
			}
		}
		for _, parent := range m.parents[n] {
			walk(parent)
		}
	}
	walk(node)
	return out
}

// Resolve folds inheritance into a base decision: an explicit deny from any
// ancestor node's policy set always overrides a grant, even one made closer
// to the evaluated principal. The base decision (already the result of
// Engine.Evaluate against the node's own policies) is only overridden when
// it currently allows and an ancestor policy would deny the same request.
func (m *InheritanceManager) Resolve(ec core.EvaluationContext, base core.Decision) core.Decision {
	if !base.Allowed() {
		return base
	}
	if ec.Principal == "" {
		return base
	}

	ancestors := m.EffectivePolicies(ec.Principal)
	for _, p := range ancestors {
		if p.ID == base.MatchedPolicyID || p.Effect != core.EffectDeny {
			continue
		}
		if matchPrincipal(p.Principals, ec) && matchAny(p.Resources, ec.Resource) &&
			matchAny(p.Actions, ec.Action) && matchConditions(p.Conditions, ec) {
			return core.Decision{
				Effect:          core.EffectDeny,
				MatchedPolicyID: p.ID,
				Reason:          "denied by inherited policy " + p.ID,
			}
		}
	}
	return base
}
