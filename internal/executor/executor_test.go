package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// followUpDefinition is start -> send -> replied? -> {true: won, false: wait -> lost}.
func followUpDefinition() *api.Definition {
	return &api.Definition{
		ID:     "follow-up",
		Active: true,
		Nodes: map[string]api.Node{
			"start":   {ID: "start", Type: api.NodeStart, Config: api.StartConfig{}},
			"send":    {ID: "send", Type: api.NodeAction, Config: api.ActionConfig{Action: "sms.send", ResultKey: "sms"}},
			"replied": {ID: "replied", Type: api.NodeCondition, Config: api.ConditionConfig{Expression: "replied"}},
			"wait":    {ID: "wait", Type: api.NodeDelay, Config: api.DelayConfig{Duration: api.Duration(time.Hour)}},
			"won":     {ID: "won", Type: api.NodeEnd, Config: api.EndConfig{Reason: "won"}},
			"lost":    {ID: "lost", Type: api.NodeEnd, Config: api.EndConfig{}},
		},
		Edges: []api.Edge{
			{From: "start", To: "send"},
			{From: "send", To: "replied"},
			{From: "replied", To: "won", BranchLabel: "true"},
			{From: "replied", To: "wait", BranchLabel: "false"},
			{From: "wait", To: "lost"},
		},
	}
}

func input(def *api.Definition, nodeID string) Input {
	return Input{
		ExecutionID: "exec-1",
		Node:        def.Nodes[nodeID],
		Definition:  def,
		Context:     map[string]any{},
		Now:         testNow,
		Attempt:     1,
	}
}

func TestStart_AdvancesToSuccessor(t *testing.T) {
	def := followUpDefinition()
	out, err := Start{}.Execute(context.Background(), input(def, "start"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	adv, ok := out.(api.Advance)
	if !ok || adv.NextNodeID != "send" {
		t.Fatalf("expected Advance to send, got %#v", out)
	}
}

func TestStart_MissingEdgeIsFatal(t *testing.T) {
	def := followUpDefinition()
	def.Edges = def.Edges[1:]
	_, err := Start{}.Execute(context.Background(), input(def, "start"))
	if !api.IsFatal(err) {
		t.Fatalf("expected fatal graph error, got %v", err)
	}
}

func TestEnd_CompletesWithReason(t *testing.T) {
	def := followUpDefinition()

	out, err := End{}.Execute(context.Background(), input(def, "won"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	term, ok := out.(api.Terminate)
	if !ok || !term.Success {
		t.Fatalf("expected successful Terminate, got %#v", out)
	}
	if term.ContextPatch[api.EndReasonKey] != "won" {
		t.Fatalf("expected end reason, got %v", term.ContextPatch)
	}

	out, err = End{}.Execute(context.Background(), input(def, "lost"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if term := out.(api.Terminate); !term.Success || term.ContextPatch != nil {
		t.Fatalf("End without reason must complete without patch, got %#v", term)
	}
}

func TestDelay_WaitsOnSuccessor(t *testing.T) {
	def := followUpDefinition()
	out, err := Delay{}.Execute(context.Background(), input(def, "wait"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	wait, ok := out.(api.Wait)
	if !ok {
		t.Fatalf("expected Wait, got %#v", out)
	}
	if wait.ResumeNodeID != "lost" {
		t.Fatalf("expected resume at lost, got %q", wait.ResumeNodeID)
	}
	if !wait.NotBefore.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("NotBefore = %v, want %v", wait.NotBefore, testNow.Add(time.Hour))
	}
}

func TestDelay_RejectsNegativeDuration(t *testing.T) {
	def := followUpDefinition()
	def.Nodes["wait"] = api.Node{ID: "wait", Type: api.NodeDelay, Config: api.DelayConfig{Duration: api.Duration(-time.Second)}}
	_, err := Delay{}.Execute(context.Background(), input(def, "wait"))
	if !api.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

type stubPerformer struct {
	calls  int
	result api.ActionResult
	err    error
	params map[string]any
}

func (s *stubPerformer) PerformAction(_ context.Context, _ string, params map[string]any, _ map[string]any) (api.ActionResult, error) {
	s.calls++
	s.params = params
	return s.result, s.err
}

func TestAction_SuccessNestsPatchUnderResultKey(t *testing.T) {
	def := followUpDefinition()
	perf := &stubPerformer{result: api.ActionResult{OK: true, ContextPatch: map[string]any{"message_id": "m-1"}}}

	out, err := Action{Performer: perf}.Execute(context.Background(), input(def, "send"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	adv, ok := out.(api.Advance)
	if !ok || adv.NextNodeID != "replied" {
		t.Fatalf("expected Advance to replied, got %#v", out)
	}
	sms, _ := adv.ContextPatch["sms"].(map[string]any)
	if sms["message_id"] != "m-1" {
		t.Fatalf("expected patch under result key, got %v", adv.ContextPatch)
	}
}

func TestAction_TransientErrorIsRetryable(t *testing.T) {
	def := followUpDefinition()
	perf := &stubPerformer{err: errors.New("provider timeout")}

	_, err := Action{Performer: perf}.Execute(context.Background(), input(def, "send"))
	if err == nil || !api.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if api.ErrorCode(err) != api.CodeActionFailed {
		t.Fatalf("expected action_failed, got %q", api.ErrorCode(err))
	}
}

func TestAction_PermanentErrorTerminates(t *testing.T) {
	def := followUpDefinition()
	perf := &stubPerformer{err: api.Permanent(errors.New("invalid phone number"))}

	out, err := Action{Performer: perf}.Execute(context.Background(), input(def, "send"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	term, ok := out.(api.Terminate)
	if !ok || term.Success || term.Err == nil {
		t.Fatalf("expected failed Terminate, got %#v", out)
	}
}

func TestAction_NotOKTerminates(t *testing.T) {
	def := followUpDefinition()
	perf := &stubPerformer{result: api.ActionResult{OK: false, Message: "opted out"}}

	out, err := Action{Performer: perf}.Execute(context.Background(), input(def, "send"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	term, ok := out.(api.Terminate)
	if !ok || term.Success {
		t.Fatalf("expected failed Terminate, got %#v", out)
	}
	if api.ErrorCode(term.Err) != api.CodeActionRejected {
		t.Fatalf("expected action_rejected, got %v", term.Err)
	}
}

func TestAction_BestEffortAlwaysAdvances(t *testing.T) {
	def := followUpDefinition()
	def.Nodes["send"] = api.Node{ID: "send", Type: api.NodeAction, Config: api.ActionConfig{Action: "sms.send", BestEffort: true}}

	for _, perf := range []*stubPerformer{
		{err: errors.New("provider timeout")},
		{result: api.ActionResult{OK: false, Message: "opted out"}},
	} {
		out, err := Action{Performer: perf}.Execute(context.Background(), input(def, "send"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		adv, ok := out.(api.Advance)
		if !ok || adv.NextNodeID != "replied" {
			t.Fatalf("expected Advance, got %#v", out)
		}
		rec, _ := adv.ContextPatch["send"].(map[string]any)
		if rec["ok"] != false || rec["error"] == "" {
			t.Fatalf("expected failure record under node id, got %v", adv.ContextPatch)
		}
	}
}

func TestAction_BrokenGraphSkipsSideEffect(t *testing.T) {
	def := followUpDefinition()
	def.Edges = append(def.Edges, api.Edge{From: "send", To: "won"})
	perf := &stubPerformer{result: api.ActionResult{OK: true}}

	_, err := Action{Performer: perf}.Execute(context.Background(), input(def, "send"))
	if !api.IsFatal(err) {
		t.Fatalf("expected fatal graph error, got %v", err)
	}
	if perf.calls != 0 {
		t.Fatalf("performer must not be called, got %d calls", perf.calls)
	}
}

func TestAction_ParamsAreCopied(t *testing.T) {
	def := followUpDefinition()
	params := map[string]any{"template": "hi"}
	def.Nodes["send"] = api.Node{ID: "send", Type: api.NodeAction, Config: api.ActionConfig{Action: "sms.send", Params: params}}
	perf := &stubPerformer{result: api.ActionResult{OK: true}}

	if _, err := (Action{Performer: perf}).Execute(context.Background(), input(def, "send")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	perf.params["template"] = "mutated"
	if params["template"] != "hi" {
		t.Fatalf("definition params were mutated by the performer")
	}
}

func TestCondition_Branches(t *testing.T) {
	def := followUpDefinition()
	eval := api.PredicateFunc(func(_ context.Context, p api.Predicate, data map[string]any) (string, error) {
		if p.Expression != "replied" {
			t.Fatalf("unexpected expression %q", p.Expression)
		}
		if data["replied"] == true {
			return "true", nil
		}
		return "false", nil
	})

	in := input(def, "replied")
	in.Context["replied"] = true
	out, err := Condition{Evaluator: eval}.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if br, ok := out.(api.Branch); !ok || br.Label != "true" {
		t.Fatalf("expected Branch true, got %#v", out)
	}
}

func TestCondition_EmptyLabelUsesDefault(t *testing.T) {
	def := followUpDefinition()
	def.Nodes["replied"] = api.Node{ID: "replied", Type: api.NodeCondition, Config: api.ConditionConfig{Expression: "x", Default: "false"}}
	eval := api.PredicateFunc(func(context.Context, api.Predicate, map[string]any) (string, error) { return "", nil })

	out, err := Condition{Evaluator: eval}.Execute(context.Background(), input(def, "replied"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if br := out.(api.Branch); br.Label != "false" {
		t.Fatalf("expected default label, got %q", br.Label)
	}
}

func TestCondition_UnknownLabelUsesDefault(t *testing.T) {
	def := followUpDefinition()
	def.Nodes["replied"] = api.Node{ID: "replied", Type: api.NodeCondition, Config: api.ConditionConfig{Expression: "x", Default: "false"}}
	eval := api.PredicateFunc(func(context.Context, api.Predicate, map[string]any) (string, error) { return "maybe", nil })

	out, err := Condition{Evaluator: eval}.Execute(context.Background(), input(def, "replied"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	br := out.(api.Branch)
	if br.Label != "false" {
		t.Fatalf("expected default label, got %q", br.Label)
	}
	if to, err := def.ResolveBranch("replied", br.Label); err != nil || to != "wait" {
		t.Fatalf("default branch resolved to %q, %v", to, err)
	}

	// Without a configured default the label is kept for ResolveBranch.
	def.Nodes["replied"] = api.Node{ID: "replied", Type: api.NodeCondition, Config: api.ConditionConfig{Expression: "x"}}
	out, err = Condition{Evaluator: eval}.Execute(context.Background(), input(def, "replied"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if br := out.(api.Branch); br.Label != "maybe" {
		t.Fatalf("expected predicate label, got %q", br.Label)
	}
}

func TestCondition_PredicateErrorTerminates(t *testing.T) {
	def := followUpDefinition()
	eval := api.PredicateFunc(func(context.Context, api.Predicate, map[string]any) (string, error) {
		return "", errors.New("undefined: replied")
	})

	out, err := Condition{Evaluator: eval}.Execute(context.Background(), input(def, "replied"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	term, ok := out.(api.Terminate)
	if !ok || term.Success {
		t.Fatalf("expected failed Terminate, got %#v", out)
	}
	if api.ErrorCode(term.Err) != api.CodePredicateFailed {
		t.Fatalf("expected predicate_failed, got %v", term.Err)
	}
}

func TestRegistry_UnknownTypeIsGraphConfig(t *testing.T) {
	reg := NewRegistry(nil, nil)
	if _, err := reg.For("webhook"); api.ErrorCode(err) != api.CodeGraphConfig {
		t.Fatalf("expected graph_config, got %v", err)
	}
	for _, nt := range api.NodeTypes {
		if _, err := reg.For(nt); err != nil {
			t.Fatalf("For(%s) failed: %v", nt, err)
		}
	}

	custom := reg.With(api.NodeStart, Func(func(context.Context, Input) (api.Outcome, error) {
		return api.Terminate{Success: true}, nil
	}))
	ex, _ := custom.For(api.NodeStart)
	if _, ok := ex.(Func); !ok {
		t.Fatalf("With did not override the start executor")
	}
	if ex, _ := reg.For(api.NodeStart); ex != (Start{}) {
		t.Fatalf("With must not modify the original registry")
	}
}
