// Package registry maps tool names to step functions. Graph definitions
// declare each node's work by tool name; the registry resolves those
// names before graph construction. NewRegistry pre-registers the
// built-in data-quality tools.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/stepflow-labs/stepflow"
)

// Registry holds named step functions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]stepflow.StepFunc
}

// NewRegistry creates a registry with all built-in tools registered.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]stepflow.StepFunc)}
	registerBuiltins(r)
	return r
}

// NewEmptyRegistry creates a registry with no tools.
func NewEmptyRegistry() *Registry {
	return &Registry{tools: make(map[string]stepflow.StepFunc)}
}

// Register adds a step function under the given name. Re-registering a
// name overwrites the previous function and logs a warning.
func (r *Registry) Register(name string, step stepflow.StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		slog.Warn("overwriting registered tool", "tool", name)
	}
	r.tools[name] = step
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Resolve returns the step function registered under name.
func (r *Registry) Resolve(name string) (stepflow.StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.tools[name]
	return step, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile-time interface check.
var _ stepflow.ToolResolver = (*Registry)(nil)
