package executor

import (
	"context"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Condition evaluates a predicate and branches on the resulting label.
// An empty label, or one with no outgoing edge, falls back to the configured
// default. A predicate error terminates the execution with failure.
type Condition struct {
	Evaluator api.PredicateEvaluator
}

func (c Condition) Execute(ctx context.Context, in Input) (api.Outcome, error) {
	cfg, err := configOf[api.ConditionConfig](in.Node)
	if err != nil {
		return nil, err
	}
	if c.Evaluator == nil {
		return nil, api.NewError(api.CodeGraphConfig, "no predicate evaluator configured").WithNode(in.Node.ID)
	}

	label, err := c.Evaluator.Evaluate(ctx, api.Predicate{Language: cfg.Language, Expression: cfg.Expression}, in.Context)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return api.Terminate{
			Err: api.Errorf(api.CodePredicateFailed, "evaluate %q", cfg.Expression).WithNode(in.Node.ID).WithCause(err),
		}, nil
	}
	if label == "" || (cfg.Default != "" && !hasBranch(in.Definition, in.Node.ID, label)) {
		label = cfg.Default
	}
	if label == "" {
		label = api.DefaultBranch
	}
	return api.Branch{Label: label}, nil
}

func hasBranch(def *api.Definition, nodeID, label string) bool {
	if def == nil {
		return false
	}
	for _, e := range def.OutgoingEdges(nodeID) {
		if e.BranchLabel == label {
			return true
		}
	}
	return false
}
