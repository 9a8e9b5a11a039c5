// Package registry is the Tool Registry (spec §4.L1): a catalog of tool
// descriptors registered once at startup and immutable thereafter.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conclave-run/conclave/internal/core"
)

// Registry catalogs tool descriptors by name. Registration happens at
// startup; lookups and execution happen for the lifetime of the process.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]core.ToolDescriptor
	schemas map[string]*jsonschema.Schema
	groups  map[string][]string
	logger  *slog.Logger
}

// New creates an empty registry with the built-in tool groups seeded.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]core.ToolDescriptor),
		schemas: make(map[string]*jsonschema.Schema),
		groups:  cloneGroups(DefaultGroups),
		logger:  logger,
	}
}

// DefaultGroups are the built-in tool group tags, mirroring the profiles of
// spec §4.M1 layer 1.
var DefaultGroups = map[string][]string{
	"group:fs":        {"read", "write", "edit", "exec"},
	"group:web":       {"websearch", "webfetch"},
	"group:runtime":   {"sandbox"},
	"group:sessions":  {"session_status", "session_history"},
	"group:messaging": {"send_message"},
	"group:automation": {"job_status", "schedule_job"},
}

func cloneGroups(src map[string][]string) map[string][]string {
	out := make(map[string][]string, len(src))
	for k, v := range src {
		out[k] = append([]string{}, v...)
	}
	return out
}

// Register adds a descriptor to the registry. Duplicate names fail. An
// invalid input schema fails registration rather than being silently ignored.
func (r *Registry) Register(d core.ToolDescriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("registry: tool name is required")
	}

	var compiled *jsonschema.Schema
	if len(d.InputSchema) > 0 {
		c := jsonschema.NewCompiler()
		url := "mem://" + d.Name + ".json"
		if err := c.AddResource(url, bytes.NewReader(d.InputSchema)); err != nil {
			return fmt.Errorf("registry: compile schema for %s: %w", d.Name, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("registry: compile schema for %s: %w", d.Name, err)
		}
		compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("registry: tool %q already registered", d.Name)
	}
	r.tools[d.Name] = d
	if compiled != nil {
		r.schemas[d.Name] = compiled
	}
	return nil
}

// AddGroup registers or overwrites a named group of tool names.
func (r *Registry) AddGroup(name string, tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[name] = append([]string{}, tools...)
}

// Lookup returns the descriptor for name, if registered.
func (r *Registry) Lookup(name string) (core.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// DescribeAll returns every registered descriptor.
func (r *Registry) DescribeAll() []core.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}

// Names returns the set of every registered tool name.
func (r *Registry) Names() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.tools))
	for name := range r.tools {
		out[name] = struct{}{}
	}
	return out
}

// ExpandGroups expands a list of tool names and "group:<tag>" entries into
// the union of constituent tool names. Unknown plain names are passed
// through unchanged (resolved against the registry by the caller); unknown
// groups are logged and contribute nothing.
func (r *Registry) ExpandGroups(items []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, item := range items {
		if strings.HasPrefix(item, "group:") {
			tools, ok := r.groups[item]
			if !ok {
				r.logger.Warn("registry: unknown tool group", "group", item)
				continue
			}
			for _, t := range tools {
				if !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			}
			continue
		}
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}

// Execute runs a registered tool handler by name with raw JSON input,
// validating input against the tool's compiled schema when present.
func (r *Registry) Execute(ctx context.Context, name string, input []byte) (core.ToolResult, error) {
	r.mu.RLock()
	d, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return core.ToolResult{Content: "tool not found: " + name, IsError: true}, nil
	}
	if schema != nil {
		var v any
		if err := json.Unmarshal(input, &v); err != nil {
			return core.ToolResult{Content: "invalid tool input: " + err.Error(), IsError: true}, nil
		}
		if err := schema.Validate(v); err != nil {
			return core.ToolResult{Content: "tool input failed schema validation: " + err.Error(), IsError: true}, nil
		}
	}
	if d.Handler == nil {
		return core.ToolResult{Content: "tool has no handler: " + name, IsError: true}, nil
	}
	return d.Handler(ctx, input)
}
