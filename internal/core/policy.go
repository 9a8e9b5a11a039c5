package core

import "time"

// ToolProfile is a named base allow-set for the Tool Policy Engine.
type ToolProfile string

const (
	ProfileMinimal   ToolProfile = "minimal"
	ProfileCoding    ToolProfile = "coding"
	ProfileMessaging ToolProfile = "messaging"
	ProfileFull      ToolProfile = "full"
)

// ToolPolicyLayer is one of the nine ordered layers folded by the Tool Policy
// Engine. Profile is only meaningful on layer 1 (and is ignored elsewhere).
//
// ByProvider holds overlay Allow/Deny rules scoped to a specific LLM
// provider name (e.g. "anthropic", "openai"); the engine merges the entry
// matching the active FilterContext.Provider into the adjacent
// provider-scoped layer (layer 2 for LayerProfile.ByProvider, layer 4 for
// LayerGlobal.ByProvider) rather than requiring a caller to populate those
// layers directly.
type ToolPolicyLayer struct {
	Profile    ToolProfile
	Allow      []string
	Deny       []string
	ByProvider map[string]ToolPolicyLayer
}

// AccessEffect is the outcome of an access policy rule.
type AccessEffect string

const (
	EffectAllow AccessEffect = "allow"
	EffectDeny  AccessEffect = "deny"
)

// ConditionOp is a comparison operator usable in an access policy condition.
type ConditionOp string

const (
	OpEq     ConditionOp = "eq"
	OpNe     ConditionOp = "ne"
	OpIn     ConditionOp = "in"
	OpNotIn  ConditionOp = "not_in"
	OpGt     ConditionOp = "gt"
	OpLt     ConditionOp = "lt"
	OpGte    ConditionOp = "gte"
	OpLte    ConditionOp = "lte"
	OpHas    ConditionOp = "contains"
)

// AttributeCondition compares a named environment/context attribute.
type AttributeCondition struct {
	Attribute string
	Op        ConditionOp
	Value     any
}

// TimeWindow restricts a policy to a weekday set and a time-of-day interval,
// evaluated in the given IANA timezone (local time if empty).
type TimeWindow struct {
	Weekdays  []time.Weekday
	StartHHMM string // "09:00"
	EndHHMM   string // "17:00"
	Timezone  string
}

// Conditions are AND-combined when evaluating a Policy against a context.
type Conditions struct {
	Time       *TimeWindow
	CIDRs      []string
	Attributes []AttributeCondition
}

// Policy is an access-control rule evaluated by the Access Policy Engine.
type Policy struct {
	ID          string
	Name        string
	Effect      AccessEffect
	Principals  []string // glob patterns, or "role:x" / "tenant:x"
	Resources   []string
	Actions     []string
	Priority    int
	Conditions  *Conditions
	TenantScope string
}

// EvaluationContext is the ephemeral per-call input to the Access Policy Engine.
type EvaluationContext struct {
	Principal       string
	Resource        string
	Action          string
	TenantID        string
	PrincipalRoles  []string
	PrincipalGroups []string
	IP              string
	Environment     map[string]any
	RequestTime     time.Time
}

// Decision is the outcome of an Access Policy Engine evaluation.
type Decision struct {
	Effect           AccessEffect
	MatchedPolicyID  string
	Reason           string
	EvaluationTimeMS float64
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}
