// Package actions holds the side effects Action nodes can perform. A Registry
// maps action names to implementations and serves as the engine's
// api.ActionPerformer.
package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Action is a named side effect.
//
// Returned errors are retried by the job queue unless wrapped with
// api.Permanent. A provider that answered but refused the request reports
// api.ActionResult{OK: false}.
type Action interface {
	Name() string
	Perform(ctx context.Context, params, execCtx map[string]any) (api.ActionResult, error)
}

type funcAction struct {
	name string
	fn   func(ctx context.Context, params, execCtx map[string]any) (api.ActionResult, error)
}

func (f funcAction) Name() string { return f.name }

func (f funcAction) Perform(ctx context.Context, params, execCtx map[string]any) (api.ActionResult, error) {
	return f.fn(ctx, params, execCtx)
}

// Func adapts a function to an Action called name.
func Func(name string, fn func(ctx context.Context, params, execCtx map[string]any) (api.ActionResult, error)) Action {
	return funcAction{name: name, fn: fn}
}

// Registry is a thread-safe set of actions.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action. Names must be unique.
func (r *Registry) Register(a Action) error {
	if a == nil {
		return api.NewError(api.CodeInvalidArgument, "action is nil")
	}
	name := a.Name()
	if name == "" {
		return api.NewError(api.CodeInvalidArgument, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return api.Errorf(api.CodeInvalidArgument, "action %q already registered", name)
	}
	r.actions[name] = a
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(acts ...Action) *Registry {
	for _, a := range acts {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Get looks up an action by name.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PerformAction implements api.ActionPerformer. An unknown action is a
// permanent failure; retrying cannot make it appear.
func (r *Registry) PerformAction(ctx context.Context, action string, params map[string]any, execCtx map[string]any) (api.ActionResult, error) {
	a, ok := r.Get(action)
	if !ok {
		return api.ActionResult{}, api.Permanent(api.Errorf(api.CodeNotFound, "action %q not registered", action))
	}
	if params == nil {
		params = map[string]any{}
	}
	return a.Perform(ctx, params, execCtx)
}

var _ api.ActionPerformer = (*Registry)(nil)
