package api

import "context"

// ActionResult is returned by an ActionPerformer that reached the provider.
// OK=false is a business failure, not a transport error.
type ActionResult struct {
	OK           bool
	Message      string
	ContextPatch map[string]any
}

// ActionPerformer carries out the side effect of an Action node.
// Returned errors are treated as transient unless wrapped with Permanent.
type ActionPerformer interface {
	PerformAction(ctx context.Context, action string, params map[string]any, execCtx map[string]any) (ActionResult, error)
}

// ActionFunc adapts a function to ActionPerformer.
type ActionFunc func(ctx context.Context, action string, params map[string]any, execCtx map[string]any) (ActionResult, error)

func (f ActionFunc) PerformAction(ctx context.Context, action string, params map[string]any, execCtx map[string]any) (ActionResult, error) {
	return f(ctx, action, params, execCtx)
}

// Predicate is a condition expression in a given language.
type Predicate struct {
	Language   string
	Expression string
}

// PredicateEvaluator evaluates a predicate against an execution context and
// returns a branch label ("true", "false" or a custom label). An empty label
// means the predicate produced no decision.
type PredicateEvaluator interface {
	Evaluate(ctx context.Context, p Predicate, data map[string]any) (string, error)
}

// PredicateFunc adapts a function to PredicateEvaluator.
type PredicateFunc func(ctx context.Context, p Predicate, data map[string]any) (string, error)

func (f PredicateFunc) Evaluate(ctx context.Context, p Predicate, data map[string]any) (string, error) {
	return f(ctx, p, data)
}

// Engine is the externally visible surface of the workflow runtime.
type Engine interface {
	// StartWorkflow creates an execution of the latest active version of the
	// definition and enqueues its Start node.
	StartWorkflow(ctx context.Context, definitionID, subjectRef string, initial map[string]any) (string, error)

	// CancelWorkflow cancels a running or waiting execution. Cancelling a
	// terminal execution is a no-op.
	CancelWorkflow(ctx context.Context, executionID string) error

	// Advance moves an execution forward by one node. Deliveries for a node
	// the execution is no longer at are absorbed as no-ops.
	Advance(ctx context.Context, executionID, expectedNodeID string) error

	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	ListSteps(ctx context.Context, executionID string) ([]*StepExecution, error)

	SaveDefinition(ctx context.Context, def *Definition) (*Definition, error)
	GetDefinition(ctx context.Context, id string, version int) (*Definition, error)
}
