package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// StepLog is the append-only history of node invocations.
type StepLog interface {
	// AppendStep records a step without touching the execution.
	AppendStep(ctx context.Context, step *api.StepExecution) error
	// ListSteps returns the steps of an execution in append order.
	ListSteps(ctx context.Context, executionID string) ([]*api.StepExecution, error)
}

// prepareStep fills the id and timestamp of a step that lacks them.
func prepareStep(step *api.StepExecution, now time.Time) {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
}

// nextVersion resolves the version a definition is saved under.
func nextVersion(requested, latest int) int {
	if requested > 0 {
		return requested
	}
	return latest + 1
}

// stamp fills the timestamps a transition leaves zero.
func (t Transition) stamp(now time.Time) {
	if t.Execution.UpdatedAt.IsZero() {
		t.Execution.UpdatedAt = now
	}
	if t.Step != nil {
		prepareStep(t.Step, t.Execution.UpdatedAt)
	}
}
