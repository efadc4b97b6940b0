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
	"github.com/abhogle/leadops-os-sub001/internal/taskqueue"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// DefinitionValidator checks a definition before it is stored.
// *validation.Validator implements it.
type DefinitionValidator interface {
	ValidateDefinition(def *api.Definition) error
}

// Config describes how to construct a Runtime.
type Config struct {
	Ledger    persistence.Ledger
	Queues    taskqueue.Queues
	Executors *executor.Registry

	// Validator, when set, runs on every SaveDefinition. Without it only the
	// graph invariants are checked.
	Validator DefinitionValidator

	Observer api.Observer
	Logger   *slog.Logger

	// DefinitionCacheSize bounds the pinned-definition cache. Default 256.
	DefinitionCacheSize int

	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// Runtime is the orchestration layer: it owns every write to executions and
// their step log. Workers call Advance; everything else is the trigger,
// cancellation and observability surface.
type Runtime struct {
	ledger      persistence.Ledger
	queues      taskqueue.Queues
	executors   *executor.Registry
	validator   DefinitionValidator
	definitions *definitionCache
	observer    api.Observer
	logger      *slog.Logger
	now         func() time.Time
}

// New builds a Runtime from cfg.
func New(cfg Config) (*Runtime, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("engine: ledger is required")
	}
	if cfg.Queues.Immediate == nil || cfg.Queues.Delayed == nil {
		return nil, errors.New("engine: immediate and delayed queues are required")
	}
	if cfg.Executors == nil {
		return nil, errors.New("engine: executor registry is required")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runtime{
		ledger:      cfg.Ledger,
		queues:      cfg.Queues,
		executors:   cfg.Executors,
		validator:   cfg.Validator,
		definitions: newDefinitionCache(cfg.Ledger, cfg.DefinitionCacheSize),
		observer:    obs,
		logger:      logger,
		now:         now,
	}, nil
}

var _ api.Engine = (*Runtime)(nil)

// Queues returns the queues the runtime feeds.
func (r *Runtime) Queues() taskqueue.Queues { return r.queues }

func (r *Runtime) SaveDefinition(ctx context.Context, def *api.Definition) (*api.Definition, error) {
	if def == nil {
		return nil, api.NewError(api.CodeInvalidArgument, "definition is nil")
	}
	var err error
	if r.validator != nil {
		err = r.validator.ValidateDefinition(def)
	} else {
		err = def.Validate()
	}
	if err != nil {
		return nil, err
	}

	toSave := def.Clone()
	if toSave.CreatedAt.IsZero() {
		toSave.CreatedAt = r.now().UTC()
	}
	saved, err := r.ledger.SaveDefinition(ctx, toSave)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			return nil, api.Errorf(api.CodeInvalidArgument, "definition %s version %d already exists", def.ID, def.Version).WithCause(err)
		}
		return nil, api.NewError(api.CodePersistence, "save definition "+def.ID).WithCause(err)
	}
	r.definitions.Put(saved.Clone())
	r.logger.InfoContext(ctx, "definition_saved",
		slog.String("definition_id", saved.ID),
		slog.Int("version", saved.Version),
		slog.Bool("active", saved.Active),
	)
	return saved, nil
}

// GetDefinition returns a stored version, or the latest active one when
// version is 0.
func (r *Runtime) GetDefinition(ctx context.Context, id string, version int) (*api.Definition, error) {
	def, err := r.ledger.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, wrapLookup(err, "definition", id)
	}
	return def, nil
}

// ListDefinitions returns the newest version of every definition.
func (r *Runtime) ListDefinitions(ctx context.Context) ([]*api.Definition, error) {
	defs, err := r.ledger.ListDefinitions(ctx)
	if err != nil {
		return nil, api.NewError(api.CodePersistence, "list definitions").WithCause(err)
	}
	return defs, nil
}

func (r *Runtime) GetExecution(ctx context.Context, executionID string) (*api.Execution, error) {
	exec, err := r.ledger.GetExecution(ctx, executionID)
	if err != nil {
		return nil, wrapLookup(err, "execution", executionID)
	}
	return exec, nil
}

func (r *Runtime) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	execs, err := r.ledger.ListExecutions(ctx, filter)
	if err != nil {
		return nil, api.NewError(api.CodePersistence, "list executions").WithCause(err)
	}
	return execs, nil
}

// ListSteps returns the step log of an execution in the order it was written.
func (r *Runtime) ListSteps(ctx context.Context, executionID string) ([]*api.StepExecution, error) {
	if _, err := r.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	steps, err := r.ledger.ListSteps(ctx, executionID)
	if err != nil {
		return nil, api.NewError(api.CodePersistence, "list steps of "+executionID).WithCause(err)
	}
	return steps, nil
}

// DeadLetters lists dead-lettered jobs of the named queue.
func (r *Runtime) DeadLetters(ctx context.Context, queue string, limit int) ([]taskqueue.Job, error) {
	q, ok := r.queues.ByName(queue)
	if !ok {
		return nil, api.Errorf(api.CodeInvalidArgument, "unknown queue %q", queue)
	}
	return q.DeadLetters(ctx, limit)
}

// Redrive makes a dead-lettered job claimable again. When the job is the one
// that failed its execution, the execution is reopened as running at the
// job's node so the delivery advances it. Otherwise the current-node guard
// absorbs the delivery.
func (r *Runtime) Redrive(ctx context.Context, queue, jobID string) error {
	q, ok := r.queues.ByName(queue)
	if !ok {
		return api.Errorf(api.CodeInvalidArgument, "unknown queue %q", queue)
	}
	job, err := q.Redrive(ctx, jobID)
	if err != nil {
		if errors.Is(err, taskqueue.ErrJobNotFound) {
			return api.Errorf(api.CodeNotFound, "dead-lettered job %s not found in %s", jobID, queue).WithCause(err)
		}
		return err
	}
	ctx = logging.WithExecution(ctx, job.ExecutionID, job.NodeID)

	reopened, err := r.reopen(ctx, job.ExecutionID, job.NodeID)
	if err != nil {
		return err
	}
	if reopened {
		// A worker may have taken the job while the execution was still
		// failed and dropped it.
		live, err := r.queues.HasJob(ctx, job.ExecutionID, job.NodeID)
		if err == nil && !live {
			err = r.queues.EnqueueImmediate(ctx, job.ExecutionID, job.NodeID)
		}
		if err != nil {
			r.logger.ErrorContext(ctx, "enqueue_failed", slog.Any("error", err))
		}
	}
	r.logger.InfoContext(ctx, "job_redriven",
		slog.String("queue", queue),
		slog.String(logging.AttrJobID, jobID),
		slog.Bool("reopened", reopened),
	)
	return nil
}

func wrapLookup(err error, kind, id string) error {
	if errors.Is(err, persistence.ErrExecutionNotFound) || errors.Is(err, persistence.ErrDefinitionNotFound) {
		return api.Errorf(api.CodeNotFound, "%s %s not found", kind, id).WithCause(err)
	}
	return api.NewError(api.CodePersistence, fmt.Sprintf("load %s %s", kind, id)).WithCause(err)
}
