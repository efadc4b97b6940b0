package persistence

import (
	"context"
	"errors"
	"slices"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when no definition matches an id/version.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrStaleTransition is returned when a guarded write finds the execution
	// no longer where the caller expected it.
	ErrStaleTransition = errors.New("stale transition")

	// ErrVersionConflict is returned when saving an explicit definition
	// version that already exists.
	ErrVersionConflict = errors.New("definition version already exists")
)

// DefinitionStore handles storage of versioned workflow definitions.
type DefinitionStore interface {
	// SaveDefinition stores def. A zero Version is assigned latest+1.
	SaveDefinition(ctx context.Context, def *api.Definition) (*api.Definition, error)
	// GetDefinition returns the given version, or the latest active version
	// when version is 0.
	GetDefinition(ctx context.Context, id string, version int) (*api.Definition, error)
	// ListDefinitions returns the latest version of every definition.
	ListDefinitions(ctx context.Context) ([]*api.Definition, error)
}

// Guard is the precondition of a Transition. An empty NodeID matches any
// node; empty Statuses match any status.
type Guard struct {
	NodeID   string
	Statuses []api.Status
}

// Allows reports whether the stored execution satisfies the guard.
func (g Guard) Allows(stored *api.Execution) bool {
	if g.NodeID != "" && stored.CurrentNodeID != g.NodeID {
		return false
	}
	if len(g.Statuses) > 0 && !slices.Contains(g.Statuses, stored.Status) {
		return false
	}
	return true
}

// Transition replaces the mutable state of an execution and optionally
// appends a step record, as one atomic unit.
type Transition struct {
	Guard     Guard
	Execution *api.Execution
	Step      *api.StepExecution
}

// ExecutionStore handles storage of executions and their step history.
type ExecutionStore interface {
	StepLog

	CreateExecution(ctx context.Context, exec *api.Execution) error
	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error)

	// Transition applies t if the stored execution satisfies t.Guard and
	// returns ErrStaleTransition otherwise. Nothing is written on error.
	Transition(ctx context.Context, t Transition) error
}

// Ledger is the full durable record the runtime depends on.
type Ledger interface {
	DefinitionStore
	ExecutionStore
}
