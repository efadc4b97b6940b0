package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhogle/leadops-os-sub001/internal/executor"
	"github.com/abhogle/leadops-os-sub001/internal/logging"
	"github.com/abhogle/leadops-os-sub001/internal/persistence"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

type attemptKey struct{}

// WithAttempt records the delivery attempt of the job being processed so
// that step records carry it. Workers set it from the claimed job.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

func attemptFrom(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}

// Advance moves an execution forward by one node.
//
// Deliveries for terminal executions, or for a node the execution is no
// longer at, return nil without side effects. A returned error is
// retryable unless api.IsFatal reports otherwise; fatal errors have already
// failed the execution by the time they are returned.
func (r *Runtime) Advance(ctx context.Context, executionID, expectedNodeID string) error {
	ctx = logging.WithExecution(ctx, executionID, expectedNodeID)

	exec, err := r.ledger.GetExecution(ctx, executionID)
	if err != nil {
		return wrapLookup(err, "execution", executionID)
	}
	if exec.Status.Terminal() {
		r.logger.DebugContext(ctx, "advance_skipped", slog.String("reason", "terminal"), slog.String("status", string(exec.Status)))
		return nil
	}
	if exec.CurrentNodeID != expectedNodeID {
		r.logger.DebugContext(ctx, "advance_skipped", slog.String("reason", "stale"), slog.String("current_node_id", exec.CurrentNodeID))
		return nil
	}

	now := r.now().UTC()
	if exec.Status == api.StatusWaiting && exec.ResumeAt != nil && now.Before(*exec.ResumeAt) {
		// Early delivery, e.g. a recovery duplicate. Put it back on the timer.
		if err := r.queues.EnqueueDelayed(ctx, exec.ID, exec.CurrentNodeID, *exec.ResumeAt); err != nil {
			return api.NewError(api.CodeTransient, "reschedule early delivery").WithCause(err)
		}
		return nil
	}
	if exec.Status == api.StatusWaiting {
		resumed, err := r.resume(ctx, exec)
		if err != nil {
			return r.transitionFailed(ctx, err)
		}
		exec = resumed
	}

	attempt := attemptFrom(ctx)
	def, err := r.definitions.Get(ctx, exec.DefinitionID, exec.DefinitionVersion)
	if err != nil {
		if api.IsFatal(err) {
			return r.fail(ctx, exec, api.Node{ID: exec.CurrentNodeID}, attempt, err)
		}
		return err
	}
	node, ok := def.Node(exec.CurrentNodeID)
	if !ok {
		return r.fail(ctx, exec, api.Node{ID: exec.CurrentNodeID}, attempt,
			api.Errorf(api.CodeGraphConfig, "node %q not in definition %s@%d", exec.CurrentNodeID, def.ID, def.Version).WithNode(exec.CurrentNodeID))
	}
	ex, err := r.executors.For(node.Type)
	if err != nil {
		return r.fail(ctx, exec, node, attempt, withNode(err, node.ID))
	}

	started := time.Now()
	outcome, err := ex.Execute(ctx, executor.Input{
		ExecutionID: exec.ID,
		SubjectRef:  exec.SubjectRef,
		Node:        node,
		Definition:  def,
		Context:     exec.Clone().Context,
		Now:         now,
		Attempt:     attempt,
	})
	elapsed := time.Since(started)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			// Shutdown or lease loss; the job will be delivered again.
			return err
		}
		if api.IsFatal(err) {
			return r.fail(ctx, exec, node, attempt, withNode(err, node.ID))
		}
		return r.retryLater(ctx, exec, node, attempt, elapsed, err)
	}
	if outcome == nil {
		return r.fail(ctx, exec, node, attempt,
			api.Errorf(api.CodeGraphConfig, "%s executor returned no outcome", node.Type).WithNode(node.ID))
	}
	return r.apply(ctx, exec, def, node, attempt, elapsed, outcome)
}

// apply persists a successful executor outcome and schedules the next job.
func (r *Runtime) apply(ctx context.Context, exec *api.Execution, def *api.Definition, node api.Node, attempt int, elapsed time.Duration, outcome api.Outcome) error {
	next := exec.Clone()
	next.MergeContext(outcome.Patch())
	next.LastError = ""
	next.ResumeAt = nil
	next.UpdatedAt = r.now().UTC()

	step := &api.StepExecution{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      api.StepSuccess,
		Attempt:     attempt,
	}

	var enqueue func(context.Context) error
	switch o := outcome.(type) {
	case api.Advance:
		if _, ok := def.Node(o.NextNodeID); !ok {
			return r.fail(ctx, exec, node, attempt,
				api.Errorf(api.CodeGraphConfig, "next node %q does not exist", o.NextNodeID).WithNode(node.ID))
		}
		next.CurrentNodeID = o.NextNodeID
		next.Status = api.StatusRunning
		enqueue = func(ctx context.Context) error {
			return r.queues.EnqueueImmediate(ctx, exec.ID, o.NextNodeID)
		}

	case api.Branch:
		target, err := def.ResolveBranch(node.ID, o.Label)
		if err != nil {
			return r.fail(ctx, exec, node, attempt, err)
		}
		step.Branch = o.Label
		next.CurrentNodeID = target
		next.Status = api.StatusRunning
		enqueue = func(ctx context.Context) error {
			return r.queues.EnqueueImmediate(ctx, exec.ID, target)
		}

	case api.Wait:
		if _, ok := def.Node(o.ResumeNodeID); !ok {
			return r.fail(ctx, exec, node, attempt,
				api.Errorf(api.CodeGraphConfig, "resume node %q does not exist", o.ResumeNodeID).WithNode(node.ID))
		}
		resumeAt := o.NotBefore.UTC()
		next.CurrentNodeID = o.ResumeNodeID
		next.Status = api.StatusWaiting
		next.ResumeAt = &resumeAt
		enqueue = func(ctx context.Context) error {
			return r.queues.EnqueueDelayed(ctx, exec.ID, o.ResumeNodeID, resumeAt)
		}

	case api.Terminate:
		if o.Success {
			next.Status = api.StatusCompleted
		} else {
			cause := o.Err
			if cause == nil {
				cause = api.NewError(api.CodeActionRejected, "node terminated with failure").WithNode(node.ID)
			}
			next.Status = api.StatusFailed
			next.LastError = cause.Error()
			next.FailedNodeID = node.ID
			step.Status = api.StepFailed
			step.Error = cause.Error()
		}

	default:
		return r.fail(ctx, exec, node, attempt,
			api.Errorf(api.CodeGraphConfig, "unsupported outcome %T", outcome).WithNode(node.ID))
	}

	err := r.transition(ctx, exec, persistence.Transition{Execution: next, Step: step})
	if err != nil {
		return r.transitionFailed(ctx, err)
	}

	r.observer.OnStepRecorded(ctx, next, *step, elapsed)
	if next.Status.Terminal() {
		r.observer.OnExecutionFinished(ctx, next)
		return nil
	}

	if err := enqueue(ctx); err != nil {
		// The transition is committed; the recovery sweep re-enqueues the
		// current node of executions left without a job.
		r.logger.ErrorContext(ctx, "enqueue_failed",
			slog.String("next_node_id", next.CurrentNodeID),
			slog.Any("error", err),
		)
	}
	return nil
}

// retryLater records a failed attempt and hands the error back so that the
// job queue applies backoff. The execution stays at the same node.
func (r *Runtime) retryLater(ctx context.Context, exec *api.Execution, node api.Node, attempt int, elapsed time.Duration, cause error) error {
	next := exec.Clone()
	next.Status = api.StatusRunning
	next.ResumeAt = nil
	next.LastError = cause.Error()
	next.UpdatedAt = r.now().UTC()

	step := &api.StepExecution{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      api.StepFailed,
		Error:       cause.Error(),
		Attempt:     attempt,
	}
	err := r.transition(ctx, exec, persistence.Transition{Execution: next, Step: step})
	if err != nil {
		if errors.Is(err, persistence.ErrStaleTransition) {
			return nil
		}
		return errors.Join(cause, r.transitionFailed(ctx, err))
	}

	r.observer.OnStepRecorded(ctx, next, *step, elapsed)
	r.logger.WarnContext(ctx, "step_failed",
		slog.Int("attempt", attempt),
		slog.Bool("retryable", true),
		slog.Any("error", cause),
	)
	return cause
}

// fail marks the execution failed at node and records a failed step, in one
// transition. It returns cause so that the job is dead-lettered.
func (r *Runtime) fail(ctx context.Context, exec *api.Execution, node api.Node, attempt int, cause error) error {
	next := exec.Clone()
	next.Status = api.StatusFailed
	next.ResumeAt = nil
	next.LastError = cause.Error()
	next.FailedNodeID = node.ID
	next.UpdatedAt = r.now().UTC()

	step := &api.StepExecution{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      api.StepFailed,
		Error:       cause.Error(),
		Attempt:     attempt,
	}
	err := r.transition(ctx, exec, persistence.Transition{Execution: next, Step: step})
	if err != nil {
		if errors.Is(err, persistence.ErrStaleTransition) {
			return nil
		}
		return r.transitionFailed(ctx, err)
	}

	r.observer.OnStepRecorded(ctx, next, *step, 0)
	r.observer.OnExecutionFinished(ctx, next)
	r.logger.ErrorContext(ctx, "execution_failed", slog.String("code", api.ErrorCode(cause)), slog.Any("error", cause))
	return cause
}

// resume moves a waiting execution whose delay has elapsed back to running
// at the same node. Of two concurrent deliveries only one resumes; the other
// gets ErrStaleTransition.
func (r *Runtime) resume(ctx context.Context, exec *api.Execution) (*api.Execution, error) {
	next := exec.Clone()
	next.Status = api.StatusRunning
	next.ResumeAt = nil
	next.UpdatedAt = r.now().UTC()
	if err := r.transition(ctx, exec, persistence.Transition{Execution: next}); err != nil {
		return nil, err
	}
	r.logger.DebugContext(ctx, "execution_resumed")
	return next, nil
}

// transition writes t after checking that from.Status may move to the status
// t carries. The guard pins the node and status that were read, so the check
// still holds when the write lands.
func (r *Runtime) transition(ctx context.Context, from *api.Execution, t persistence.Transition) error {
	if !from.Status.CanTransitionTo(t.Execution.Status) {
		return api.Errorf(api.CodeInvalidTransition, "execution %s cannot move from %s to %s",
			from.ID, from.Status, t.Execution.Status).WithNode(from.CurrentNodeID)
	}
	t.Guard = persistence.Guard{NodeID: from.CurrentNodeID, Statuses: []api.Status{from.Status}}
	return r.ledger.Transition(ctx, t)
}

// transitionFailed classifies a ledger write error. A lost guard means a
// concurrent delivery already moved the execution, which is not an error.
func (r *Runtime) transitionFailed(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, persistence.ErrStaleTransition):
		r.logger.DebugContext(ctx, "advance_skipped", slog.String("reason", "lost race"))
		return nil
	case errors.Is(err, persistence.ErrExecutionNotFound):
		return api.NewError(api.CodeNotFound, "execution disappeared during advance").WithCause(err)
	case api.ErrorCode(err) == api.CodeInvalidTransition:
		r.logger.ErrorContext(ctx, "invalid_transition", slog.Any("error", err))
		return err
	default:
		return api.NewError(api.CodePersistence, "write transition").WithCause(err)
	}
}

// withNode attaches nodeID to err when it is an *api.Error without one.
func withNode(err error, nodeID string) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.NodeID == "" {
		cp := *apiErr
		cp.NodeID = nodeID
		return &cp
	}
	return fmt.Errorf("node %s: %w", nodeID, err)
}
