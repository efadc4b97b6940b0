// Package executor implements the five node executors. An executor maps a
// node and a snapshot of the execution context to an api.Outcome; it never
// touches persistence or the queues.
package executor

import (
	"context"
	"time"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Input is everything an executor may look at for one invocation.
type Input struct {
	ExecutionID string
	SubjectRef  string
	Node        api.Node
	Definition  *api.Definition

	// Context is a private copy; executors report changes via the outcome patch.
	Context map[string]any

	Now     time.Time
	Attempt int
}

// Executor runs one node type.
//
// A returned error is an executor failure: retryable errors are retried by
// the job queue, errors for which api.IsFatal is true fail the execution.
// Business failures are reported as api.Terminate{Success: false}.
type Executor interface {
	Execute(ctx context.Context, in Input) (api.Outcome, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, in Input) (api.Outcome, error)

func (f Func) Execute(ctx context.Context, in Input) (api.Outcome, error) { return f(ctx, in) }

// configOf asserts the node carries the config type its type implies.
func configOf[T api.NodeConfig](n api.Node) (T, error) {
	cfg, ok := n.Config.(T)
	if !ok {
		var zero T
		if n.Config == nil {
			return zero, nil
		}
		return zero, api.Errorf(api.CodeInvalidDefinition, "node config is %T, want %T", n.Config, zero).WithNode(n.ID)
	}
	return cfg, nil
}
