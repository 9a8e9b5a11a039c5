// Package toolpolicy implements the nine-layer Tool Policy Engine (spec
// §4.M1): the deterministic filter that computes the allowed tool set for a
// single agent call.
//
// It generalizes the teacher's single-layer profile→allow→deny fold
// (internal/tools/policy/resolver.go in the teacher corpus) into an ordered
// array of nine layers, each folded left-to-right with the same rule: deny
// always wins over any earlier layer's allow, and an empty allow list never
// resets what earlier layers accumulated.
package toolpolicy

import (
	"strings"

	"github.com/conclave-run/conclave/internal/core"
)

// LayerIndex names the nine ordered layers of spec §4.M1.
type LayerIndex int

const (
	LayerProfile LayerIndex = iota
	LayerProviderProfile
	LayerGlobal
	LayerGlobalProvider
	LayerAgent
	LayerAgentProvider
	LayerGroupChannel
	LayerSandbox
	LayerSubagent
	layerCount
)

// GroupExpander expands group tags (e.g. "group:fs") into tool names and
// reports the full set of registered tool names for the final intersection
// step. *registry.Registry satisfies this interface.
type GroupExpander interface {
	ExpandGroups(items []string) []string
	Names() map[string]struct{}
}

// ProfileDefaults maps each profile to its base allow set (layer 1).
var ProfileDefaults = map[core.ToolProfile][]string{
	core.ProfileMinimal:   {"session_status"},
	core.ProfileCoding:    {"group:fs", "group:runtime", "group:web"},
	core.ProfileMessaging: {"group:messaging", "session_status"},
	core.ProfileFull:      nil, // full profile allows everything not denied
}

// FilterContext is the nine-layer input to the engine. Provider, when set,
// selects which ByProvider overlay (if any) on LayerProfile and LayerGlobal
// is folded into the adjacent provider-scoped layer.
type FilterContext struct {
	Layers   [layerCount]core.ToolPolicyLayer
	Provider string
}

// SetLayer assigns layer content at the given index.
func (f *FilterContext) SetLayer(idx LayerIndex, layer core.ToolPolicyLayer) {
	f.Layers[idx] = layer
}

// withProviderOverlays merges each base layer's ByProvider[Provider] entry
// into its adjacent provider-scoped layer slot (LayerProfile -> layer 2
// LayerProviderProfile, LayerGlobal -> layer 4 LayerGlobalProvider), so a
// caller only needs to attach overlays to the base layer instead of
// populating the provider layers directly.
func (f FilterContext) withProviderOverlays() FilterContext {
	if f.Provider == "" {
		return f
	}
	if overlay, ok := f.Layers[LayerProfile].ByProvider[f.Provider]; ok {
		f.Layers[LayerProviderProfile] = mergeToolPolicyLayers(f.Layers[LayerProviderProfile], overlay)
	}
	if overlay, ok := f.Layers[LayerGlobal].ByProvider[f.Provider]; ok {
		f.Layers[LayerGlobalProvider] = mergeToolPolicyLayers(f.Layers[LayerGlobalProvider], overlay)
	}
	return f
}

func mergeToolPolicyLayers(base, overlay core.ToolPolicyLayer) core.ToolPolicyLayer {
	base.Allow = append(append([]string{}, base.Allow...), overlay.Allow...)
	base.Deny = append(append([]string{}, base.Deny...), overlay.Deny...)
	return base
}

// Engine computes the allowed tool set for a FilterContext against a
// GroupExpander (normally the Tool Registry).
type Engine struct {
	registry GroupExpander
}

// New creates a Tool Policy Engine bound to a group/name source.
func New(registry GroupExpander) *Engine {
	return &Engine{registry: registry}
}

// Resolve computes the allowed tool set for the given context. The result is
// deterministic: identical context + registry state always yields an
// identical set (spec §8).
func (e *Engine) Resolve(ctx FilterContext) map[string]struct{} {
	ctx = ctx.withProviderOverlays()

	allowed := make(map[string]struct{})
	isFull := false
	var allDenies []string

	for idx := LayerIndex(0); idx < layerCount; idx++ {
		layer := ctx.Layers[idx]

		var layerAllow []string
		if idx == LayerProfile {
			layerAllow = append(layerAllow, ProfileDefaults[layer.Profile]...)
			if layer.Profile == core.ProfileFull {
				isFull = true
			}
		}
		layerAllow = append(layerAllow, layer.Allow...)

		for _, tool := range e.expand(layerAllow) {
			allowed[tool] = struct{}{}
		}

		// A deny is sticky: once any layer denies a tool, no later layer's
		// allow may resurrect it, so every deny seen so far is re-applied on
		// every pass, not just the layer that introduced it.
		allDenies = append(allDenies, layer.Deny...)
		applyDenies(allowed, e.expand(allDenies))
	}

	if isFull {
		for name := range e.registry.Names() {
			allowed[name] = struct{}{}
		}
		// Re-apply every layer's deny once more: a deny that preceded the
		// "full" profile layer in the fold must still win after expansion.
		applyDenies(allowed, e.expand(allDenies))
	}

	// Final intersection with registered tool names; unknown names are
	// silently dropped.
	names := e.registry.Names()
	for tool := range allowed {
		if _, ok := names[tool]; !ok {
			delete(allowed, tool)
		}
	}
	return allowed
}

// IsAllowed is a convenience check built on Resolve.
func (e *Engine) IsAllowed(ctx FilterContext, tool string) bool {
	_, ok := e.Resolve(ctx)[tool]
	return ok
}

// applyDenies removes each denied tool (and any tool matching a wildcard
// deny pattern) from the allowed set.
func applyDenies(allowed map[string]struct{}, denies []string) {
	for _, tool := range denies {
		if tool == "*" {
			for k := range allowed {
				delete(allowed, k)
			}
			continue
		}
		delete(allowed, tool)
		denyPatternRemove(allowed, tool)
	}
}

func (e *Engine) expand(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	return e.registry.ExpandGroups(items)
}

// denyPatternRemove removes any tool matching a "prefix.*" style deny
// pattern, mirroring the teacher's matchToolPattern suffix-wildcard rule.
func denyPatternRemove(allowed map[string]struct{}, pattern string) {
	if !strings.HasSuffix(pattern, ".*") {
		return
	}
	prefix := strings.TrimSuffix(pattern, "*")
	for tool := range allowed {
		if strings.HasPrefix(tool, prefix) {
			delete(allowed, tool)
		}
	}
}
