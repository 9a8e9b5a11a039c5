// Package access implements the ABAC Access Policy Engine (spec §4.M2): glob
// pattern matching of principal/resource/action against registered policies,
// AND-combined conditions, and priority/deny-first evaluation.
//
// Pattern matching generalizes the teacher's matchToolPattern
// (internal/tools/policy/resolver.go) from tool names to the three-part
// principal/resource/action tuple, adding "*" segment globbing via
// path.Match semantics instead of the teacher's hardcoded prefix cases.
package access

import (
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// matchPattern reports whether pattern matches value. "*" matches anything;
// "prefix*" and "*suffix" glob via path.Match; exact string match otherwise.
func matchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if pattern == value {
		return true
	}
	if strings.ContainsAny(pattern, "*?[") {
		if ok, err := path.Match(pattern, value); err == nil && ok {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matchPattern(p, value) {
			return true
		}
	}
	return false
}

// matchConditions evaluates the AND of every configured condition group.
// A nil Conditions value always matches.
func matchConditions(c *core.Conditions, ec core.EvaluationContext) bool {
	if c == nil {
		return true
	}
	if c.Time != nil && !matchTimeWindow(*c.Time, ec.RequestTime) {
		return false
	}
	if len(c.CIDRs) > 0 && !matchCIDRs(c.CIDRs, ec.IP) {
		return false
	}
	for _, attr := range c.Attributes {
		if !matchAttribute(attr, ec) {
			return false
		}
	}
	return true
}

func matchTimeWindow(w core.TimeWindow, at time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)

	if len(w.Weekdays) > 0 {
		ok := false
		for _, d := range w.Weekdays {
			if d == local.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if w.StartHHMM == "" && w.EndHHMM == "" {
		return true
	}
	cur := local.Format("15:04")
	if w.StartHHMM <= w.EndHHMM {
		return cur >= w.StartHHMM && cur <= w.EndHHMM
	}
	// Window wraps midnight, e.g. 22:00-06:00.
	return cur >= w.StartHHMM || cur <= w.EndHHMM
}

func matchCIDRs(cidrs []string, ip string) bool {
	if ip == "" {
		return false
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

func matchAttribute(a core.AttributeCondition, ec core.EvaluationContext) bool {
	actual, ok := ec.Environment[a.Attribute]
	if !ok {
		return a.Op == core.OpNotIn
	}
	switch a.Op {
	case core.OpEq:
		return fmt.Sprint(actual) == fmt.Sprint(a.Value)
	case core.OpNe:
		return fmt.Sprint(actual) != fmt.Sprint(a.Value)
	case core.OpIn:
		return containsAny(a.Value, actual)
	case core.OpNotIn:
		return !containsAny(a.Value, actual)
	case core.OpHas:
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(a.Value))
	case core.OpGt, core.OpLt, core.OpGte, core.OpLte:
		return compareNumeric(a.Op, actual, a.Value)
	default:
		return false
	}
}

// containsAny reports whether actual appears in a collection given as a
// []string or []any in Value; any other shape falls back to equality.
func containsAny(value any, actual any) bool {
	switch v := value.(type) {
	case []string:
		for _, x := range v {
			if x == fmt.Sprint(actual) {
				return true
			}
		}
		return false
	case []any:
		for _, x := range v {
			if fmt.Sprint(x) == fmt.Sprint(actual) {
				return true
			}
		}
		return false
	default:
		return fmt.Sprint(value) == fmt.Sprint(actual)
	}
}

func compareNumeric(op core.ConditionOp, actual, want any) bool {
	a, aok := toFloat(actual)
	w, wok := toFloat(want)
	if !aok || !wok {
		return false
	}
	switch op {
	case core.OpGt:
		return a > w
	case core.OpLt:
		return a < w
	case core.OpGte:
		return a >= w
	case core.OpLte:
		return a <= w
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
