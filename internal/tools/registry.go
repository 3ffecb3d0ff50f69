// Package tools provides the tool registry and execution framework.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// OriginBuiltin marks tools registered by the gateway itself.
// Bridge peers register under their own connection-scoped origin.
const OriginBuiltin = "builtin"

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// Origin identifies who registered the tool so it can be
	// removed in bulk when that origin goes away.
	Origin  string                                                         `json:"-"`
	Handler func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools. All methods are safe for
// concurrent use; bridge peers register and unregister while runs
// are in flight.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. A later registration under the same name
// replaces the earlier one.
func (r *Registry) Register(t *Tool) {
	if t.Origin == "" {
		t.Origin = OriginBuiltin
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Unregister removes a tool by name. Removing an absent name is a
// no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// UnregisterOrigin removes every tool registered under origin and
// returns the removed names.
func (r *Registry) UnregisterOrigin(origin string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name, t := range r.tools {
		if t.Origin == origin {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in the completion API's function format,
// ordered by name so request payloads are stable.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var result []map[string]any
	for _, name := range names {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name with the raw JSON arguments the model
// produced.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	return tool.Handler(ctx, args)
}
