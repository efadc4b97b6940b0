package executor

import (
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Registry maps each node type to its executor. The set is fixed at
// construction time.
type Registry struct {
	byType map[api.NodeType]Executor
}

// NewRegistry wires the built-in executors to their collaborators.
func NewRegistry(actions api.ActionPerformer, predicates api.PredicateEvaluator) *Registry {
	return &Registry{
		byType: map[api.NodeType]Executor{
			api.NodeStart:     Start{},
			api.NodeEnd:       End{},
			api.NodeAction:    Action{Performer: actions},
			api.NodeDelay:     Delay{},
			api.NodeCondition: Condition{Evaluator: predicates},
		},
	}
}

// With returns a copy of r in which t is served by ex. Tests use it to
// inject failing executors.
func (r *Registry) With(t api.NodeType, ex Executor) *Registry {
	out := &Registry{byType: make(map[api.NodeType]Executor, len(r.byType))}
	for k, v := range r.byType {
		out.byType[k] = v
	}
	out.byType[t] = ex
	return out
}

// For returns the executor for t, or a graph_config error for unknown types.
func (r *Registry) For(t api.NodeType) (Executor, error) {
	ex, ok := r.byType[t]
	if !ok {
		return nil, api.Errorf(api.CodeGraphConfig, "unknown node type %q", t)
	}
	return ex, nil
}
