package corerun

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolDescriptor is a single callable capability: its wire definition plus
// the function that executes it. Per spec §9, tools are represented by a
// descriptor (name, argument schema, execute function) rather than runtime
// reflection — new tools are added by constructing and registering
// descriptors at start-up or lazily on first use.
type ToolDescriptor struct {
	Definition ToolDefinition
	Execute    func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// ToolRegistry holds all tools available to a single run. The orchestrator
// holds one read-only registry per run (constructed once from project/thread
// configuration plus the native-tool-calling schema fetch of §4.5 step 3),
// never mutated mid-run.
type ToolRegistry struct {
	byName map[string]ToolDescriptor
	order  []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{byName: make(map[string]ToolDescriptor)}
}

// Add registers a tool descriptor. Registering a name twice replaces the
// earlier descriptor but preserves its position, so definition order (which
// some providers use as a tiebreak hint) stays stable.
func (r *ToolRegistry) Add(d ToolDescriptor) {
	if _, exists := r.byName[d.Definition.Name]; !exists {
		r.order = append(r.order, d.Definition.Name)
	}
	r.byName[d.Definition.Name] = d
}

// Definitions returns the wire-level tool definitions in registration order,
// for inclusion in a ChatRequest.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.byName[name].Definition)
	}
	return defs
}

// Has reports whether a tool with the given name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Execute dispatches a single tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	d, ok := r.byName[name]
	if !ok {
		return ToolResult{Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}
	return d.Execute(ctx, args)
}
