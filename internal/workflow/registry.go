package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// WorkflowFunc is a registered workflow body. It receives a fresh Context
// for each driver pass and the workflow's input; on success it returns the
// workflow's final output. Returning an *ErrSuspend is not a failure — see
// ErrSuspend.
type WorkflowFunc func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// Registry coordinates the static workflow_name → func dispatch table the
// engine's worker loop consults when driving a leased workflow (spec.md §9
// "Dynamic dispatch"). Grounded on the teacher's registry.Manager, which
// plays the analogous role of a mutex-guarded name→entry table consulted on
// every dispatch, repurposed here from MCP toolset entries to workflow
// handlers.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]WorkflowFunc
}

// NewRegistry constructs an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]WorkflowFunc)}
}

// Register adds a workflow handler under name. Returns an error if name is
// already registered, since re-registration would silently change the
// semantics of in-flight workflow instances on replay.
func (r *Registry) Register(name string, fn WorkflowFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow registry: %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// Lookup returns the handler registered under name, if any.
func (r *Registry) Lookup(name string) (WorkflowFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}
