package executor

import (
	"context"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Start advances to the node's single successor.
type Start struct{}

func (Start) Execute(_ context.Context, in Input) (api.Outcome, error) {
	next, err := in.Definition.SingleSuccessor(in.Node.ID)
	if err != nil {
		return nil, err
	}
	return api.Advance{NextNodeID: next}, nil
}

// End always completes the execution. A configured reason is written to the
// context so that End nodes on different branches stay distinguishable.
type End struct{}

func (End) Execute(_ context.Context, in Input) (api.Outcome, error) {
	cfg, err := configOf[api.EndConfig](in.Node)
	if err != nil {
		return nil, err
	}
	out := api.Terminate{Success: true}
	if cfg.Reason != "" {
		out.ContextPatch = map[string]any{api.EndReasonKey: cfg.Reason}
	}
	return out, nil
}
