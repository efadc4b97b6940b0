// Package expressions evaluates Condition predicates. Three languages are
// supported: expr (default), cel and jq. Compiled programs are cached per
// expression and shared across goroutines.
package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Engine evaluates one expression language against an execution context.
type Engine interface {
	Name() string
	// Compile checks the expression and caches its compiled form.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultLanguage is used when a predicate names no language.
const DefaultLanguage = "expr"

// Router dispatches predicates to the engine for their language and turns
// the result into a branch label.
type Router struct {
	engines map[string]Engine
}

// NewRouter builds a Router with the expr, cel and jq engines.
func NewRouter() (*Router, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewRouterWith(NewExprEngine(), celEngine, NewGoJQEngine()), nil
}

// NewRouterWith builds a Router over the given engines, keyed by Name.
func NewRouterWith(engines ...Engine) *Router {
	r := &Router{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// Engine returns the engine registered for language.
func (r *Router) Engine(language string) (Engine, error) {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		lang = DefaultLanguage
	}
	e, ok := r.engines[lang]
	if !ok {
		return nil, api.Errorf(api.CodeInvalidDefinition, "unsupported predicate language %q", language)
	}
	return e, nil
}

// Evaluate implements api.PredicateEvaluator.
func (r *Router) Evaluate(ctx context.Context, p api.Predicate, data map[string]any) (string, error) {
	e, err := r.Engine(p.Language)
	if err != nil {
		return "", err
	}
	out, err := e.Evaluate(ctx, p.Expression, data)
	if err != nil {
		return "", err
	}
	return Label(out)
}

// Check compiles p without evaluating it. Definitions are checked this way
// when they are saved.
func (r *Router) Check(p api.Predicate) error {
	e, err := r.Engine(p.Language)
	if err != nil {
		return err
	}
	return e.Compile(p.Expression)
}

// Label converts a predicate result into a branch label: booleans become
// "true"/"false", strings are used as-is and nil means no decision.
func Label(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case string:
		return val, nil
	default:
		return "", api.Errorf(api.CodePredicateFailed, "predicate returned %T (%v), want bool or string", v, fmt.Sprint(v))
	}
}

var _ api.PredicateEvaluator = (*Router)(nil)
