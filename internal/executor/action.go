package executor

import (
	"context"
	"errors"
	"maps"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Action performs one external side effect through the configured performer.
//
//   - success advances to the single successor
//   - ok=false terminates with failure, or advances when best-effort
//   - a returned error is retried, unless wrapped with api.Permanent, in
//     which case it is handled like ok=false
type Action struct {
	Performer api.ActionPerformer
}

func (a Action) Execute(ctx context.Context, in Input) (api.Outcome, error) {
	cfg, err := configOf[api.ActionConfig](in.Node)
	if err != nil {
		return nil, err
	}
	if cfg.Action == "" {
		return nil, api.NewError(api.CodeInvalidDefinition, "action node needs an action name").WithNode(in.Node.ID)
	}
	if a.Performer == nil {
		return nil, api.NewError(api.CodeGraphConfig, "no action performer configured").WithNode(in.Node.ID)
	}
	// Resolve the edge first so a broken graph never triggers a side effect.
	next, err := in.Definition.SingleSuccessor(in.Node.ID)
	if err != nil {
		return nil, err
	}

	res, err := a.Performer.PerformAction(ctx, cfg.Action, maps.Clone(cfg.Params), in.Context)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if cfg.BestEffort {
			return api.Advance{NextNodeID: next, ContextPatch: failurePatch(cfg, in.Node.ID, err.Error())}, nil
		}
		if api.IsPermanent(err) {
			return api.Terminate{
				Err: api.Errorf(api.CodeActionRejected, "action %s rejected", cfg.Action).WithNode(in.Node.ID).WithCause(err),
			}, nil
		}
		return nil, api.Errorf(api.CodeActionFailed, "action %s failed", cfg.Action).WithNode(in.Node.ID).WithCause(err)
	}

	if !res.OK {
		msg := res.Message
		if msg == "" {
			msg = "action reported failure"
		}
		if cfg.BestEffort {
			return api.Advance{NextNodeID: next, ContextPatch: failurePatch(cfg, in.Node.ID, msg)}, nil
		}
		return api.Terminate{
			Err:          api.Errorf(api.CodeActionRejected, "action %s: %s", cfg.Action, msg).WithNode(in.Node.ID),
			ContextPatch: resultPatch(cfg, res.ContextPatch),
		}, nil
	}
	return api.Advance{NextNodeID: next, ContextPatch: resultPatch(cfg, res.ContextPatch)}, nil
}

// resultPatch nests the performer's patch under ResultKey when one is set.
func resultPatch(cfg api.ActionConfig, patch map[string]any) map[string]any {
	if cfg.ResultKey == "" || len(patch) == 0 {
		return patch
	}
	return map[string]any{cfg.ResultKey: patch}
}

// failurePatch records a best-effort failure as {<key>: {"ok": false, "error": msg}}.
// The key is ResultKey, or the node id when none is configured.
func failurePatch(cfg api.ActionConfig, nodeID, msg string) map[string]any {
	key := cfg.ResultKey
	if key == "" {
		key = nodeID
	}
	return map[string]any{key: map[string]any{"ok": false, "error": msg}}
}
