package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/abhogle/leadops-os-sub001/internal/logging"
	"github.com/abhogle/leadops-os-sub001/internal/persistence"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

const (
	cancelAttempts = 5
	recoverBatch   = 500
)

// StartWorkflow creates an execution of the latest active version of
// definitionID and enqueues its Start node.
//
// If the execution was created but the job could not be enqueued, the
// execution id is returned together with the error; Recover picks such
// executions up.
func (r *Runtime) StartWorkflow(ctx context.Context, definitionID, subjectRef string, initial map[string]any) (string, error) {
	if definitionID == "" {
		return "", api.NewError(api.CodeInvalidArgument, "definition id is required")
	}
	def, err := r.ledger.GetDefinition(ctx, definitionID, 0)
	if err != nil {
		return "", wrapLookup(err, "definition", definitionID)
	}
	startID, ok := def.StartNode()
	if !ok {
		return "", api.Errorf(api.CodeGraphConfig, "definition %s@%d has no start node", def.ID, def.Version)
	}

	now := r.now().UTC()
	execCtx := maps.Clone(initial)
	if execCtx == nil {
		execCtx = map[string]any{}
	}
	exec := &api.Execution{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		OrganizationID:    def.OrganizationID,
		SubjectRef:        subjectRef,
		CurrentNodeID:     startID,
		Status:            api.StatusRunning,
		Context:           execCtx,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	ctx = logging.WithExecution(ctx, exec.ID, startID)

	if err := r.ledger.CreateExecution(ctx, exec); err != nil {
		return "", api.NewError(api.CodePersistence, "create execution").WithCause(err)
	}
	if err := r.queues.EnqueueImmediate(ctx, exec.ID, startID); err != nil {
		r.logger.ErrorContext(ctx, "enqueue_failed", slog.Any("error", err))
		return exec.ID, api.NewError(api.CodeTransient, "enqueue start node").WithCause(err)
	}

	r.observer.OnExecutionStarted(ctx, exec.Clone())
	r.logger.InfoContext(ctx, "execution_started",
		slog.String("definition_id", def.ID),
		slog.Int("definition_version", def.Version),
		slog.String("subject_ref", subjectRef),
	)
	return exec.ID, nil
}

// CancelWorkflow moves a running or waiting execution to cancelled.
// Cancelling a terminal execution is a no-op. Jobs already queued for the
// execution are absorbed by the current-node guard when delivered.
func (r *Runtime) CancelWorkflow(ctx context.Context, executionID string) error {
	ctx = logging.WithExecution(ctx, executionID, "")

	for range cancelAttempts {
		exec, err := r.ledger.GetExecution(ctx, executionID)
		if err != nil {
			return wrapLookup(err, "execution", executionID)
		}
		if exec.Status.Terminal() {
			return nil
		}

		next := exec.Clone()
		next.Status = api.StatusCancelled
		next.ResumeAt = nil
		next.UpdatedAt = r.now().UTC()

		err = r.transition(ctx, exec, persistence.Transition{Execution: next})
		switch {
		case err == nil:
			r.observer.OnExecutionFinished(ctx, next)
			r.logger.InfoContext(ctx, "execution_cancelled", slog.String(logging.AttrNodeID, exec.CurrentNodeID))
			return nil
		case errors.Is(err, persistence.ErrStaleTransition):
			// A worker advanced it in between; read again.
			continue
		case errors.Is(err, persistence.ErrExecutionNotFound):
			return wrapLookup(err, "execution", executionID)
		default:
			return api.NewError(api.CodePersistence, "cancel execution").WithCause(err)
		}
	}
	return api.Errorf(api.CodeTransient, "execution %s kept moving, cancel not applied", executionID)
}

// Abandon fails an execution whose job at nodeID was dead-lettered after
// exhausting its retries. It does nothing if the execution has moved on.
func (r *Runtime) Abandon(ctx context.Context, executionID, nodeID string, cause error) error {
	ctx = logging.WithExecution(ctx, executionID, nodeID)

	exec, err := r.ledger.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil
		}
		return api.NewError(api.CodePersistence, "load execution").WithCause(err)
	}
	if exec.Status.Terminal() || exec.CurrentNodeID != nodeID {
		return nil
	}

	msg := "abandoned after retries"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	next := exec.Clone()
	next.Status = api.StatusFailed
	next.ResumeAt = nil
	next.LastError = msg
	next.FailedNodeID = nodeID
	next.UpdatedAt = r.now().UTC()

	err = r.transition(ctx, exec, persistence.Transition{Execution: next})
	if err != nil {
		if errors.Is(err, persistence.ErrStaleTransition) || errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil
		}
		return api.NewError(api.CodePersistence, "abandon execution").WithCause(err)
	}

	r.observer.OnExecutionFinished(ctx, next)
	r.logger.WarnContext(ctx, "execution_abandoned", slog.Any("error", cause))
	return nil
}

// Recover re-enqueues the current node of active executions that have not
// been touched for olderThan and have no live job in either queue. It covers
// jobs lost between a committed transition and its enqueue. A job that is
// merely backlogged is left alone.
func (r *Runtime) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.now().UTC().Add(-olderThan)
	execs, err := r.ledger.ListExecutions(ctx, api.ExecutionFilter{
		Statuses:      api.ActiveStatuses,
		UpdatedBefore: cutoff,
		Limit:         recoverBatch,
	})
	if err != nil {
		return 0, api.NewError(api.CodePersistence, "list stale executions").WithCause(err)
	}

	var (
		n    int
		errs []error
	)
	for _, exec := range execs {
		if exec.Status == api.StatusWaiting && (exec.ResumeAt == nil || !exec.ResumeAt.Before(cutoff)) {
			// The delayed job is not overdue yet.
			continue
		}
		live, err := r.queues.HasJob(ctx, exec.ID, exec.CurrentNodeID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if live {
			continue
		}
		if err := r.queues.EnqueueImmediate(ctx, exec.ID, exec.CurrentNodeID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
		r.logger.InfoContext(logging.WithExecution(ctx, exec.ID, exec.CurrentNodeID), "execution_recovered",
			slog.String("status", string(exec.Status)),
		)
	}
	return n, errors.Join(errs...)
}

// reopen moves an execution that failed at nodeID back to running at the
// same node. It reports false when the execution is not failed there.
func (r *Runtime) reopen(ctx context.Context, executionID, nodeID string) (bool, error) {
	exec, err := r.ledger.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return false, nil
		}
		return false, api.NewError(api.CodePersistence, "load execution").WithCause(err)
	}
	if exec.Status != api.StatusFailed || exec.CurrentNodeID != nodeID {
		return false, nil
	}

	next := exec.Clone()
	next.Status = api.StatusRunning
	next.ResumeAt = nil
	next.FailedNodeID = ""
	next.UpdatedAt = r.now().UTC()

	err = r.transition(ctx, exec, persistence.Transition{Execution: next})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, persistence.ErrStaleTransition), errors.Is(err, persistence.ErrExecutionNotFound):
		return false, nil
	default:
		return false, api.NewError(api.CodePersistence, "reopen execution").WithCause(err)
	}
}
