package executor

import (
	"context"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Delay suspends the execution. The resume node is the Delay's successor, so
// the runtime never re-enters the Delay after the wait.
type Delay struct{}

func (Delay) Execute(_ context.Context, in Input) (api.Outcome, error) {
	cfg, err := configOf[api.DelayConfig](in.Node)
	if err != nil {
		return nil, err
	}
	if cfg.Duration < 0 {
		return nil, api.Errorf(api.CodeInvalidDefinition, "negative delay %s", cfg.Duration).WithNode(in.Node.ID)
	}
	next, err := in.Definition.SingleSuccessor(in.Node.ID)
	if err != nil {
		return nil, err
	}
	return api.Wait{
		ResumeNodeID: next,
		NotBefore:    in.Now.Add(cfg.Duration.Std()),
	}, nil
}
