package leadflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/abhogle/leadops-os-sub001/internal/actions"
	"github.com/abhogle/leadops-os-sub001/internal/definitions"
	"github.com/abhogle/leadops-os-sub001/internal/engine"
	"github.com/abhogle/leadops-os-sub001/internal/executor"
	"github.com/abhogle/leadops-os-sub001/internal/expressions"
	"github.com/abhogle/leadops-os-sub001/internal/persistence"
	"github.com/abhogle/leadops-os-sub001/internal/taskqueue"
	"github.com/abhogle/leadops-os-sub001/internal/validation"
	"github.com/abhogle/leadops-os-sub001/pkg/worker"
)

// Options configure a Bundle. The zero value is usable.
type Options struct {
	// Actions performs Action nodes. Defaults to the built-in webhook, set
	// and log actions.
	Actions ActionPerformer

	// Predicates evaluates Condition nodes. Defaults to the expr/cel/jq
	// router.
	Predicates PredicateEvaluator

	// Policy is the retry policy of both queues.
	Policy RetryPolicy

	// PollInterval overrides the queues' idle polling interval.
	PollInterval time.Duration

	Worker   worker.Config
	Observer Observer
	Logger   *slog.Logger

	// Now overrides the clock of the runtime and the queues.
	Now func() time.Time
}

// Bundle wires a Runtime, its ledger and queues, and the worker pools that
// consume those queues.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:leadflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := leadflow.NewSQLiteBundle(ctx, db, leadflow.Options{})
//	// save definitions through bundle.Runtime
//	go bundle.Run(ctx)
//	id, err := bundle.Runtime.StartWorkflow(ctx, "follow-up", "lead-42", nil)
type Bundle struct {
	Runtime *engine.Runtime
	Pools   worker.Pools
	Ledger  persistence.Ledger
	Queues  taskqueue.Queues

	// Loader reads definition documents with the same validation the
	// runtime applies on save.
	Loader *definitions.Loader
}

func newBundle(ledger persistence.Ledger, queues taskqueue.Queues, opts Options) (*Bundle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := NewCompositeObserver(opts.Observer)

	predicates := opts.Predicates
	var checker validation.PredicateChecker
	if predicates == nil {
		router, err := expressions.NewRouter()
		if err != nil {
			return nil, fmt.Errorf("leadflow: predicate engines: %w", err)
		}
		predicates, checker = router, router
	} else if c, ok := predicates.(validation.PredicateChecker); ok {
		checker = c
	}

	performer := opts.Actions
	if performer == nil {
		performer = actions.Builtins(logger, actions.WebhookConfig{})
	}

	validator, err := validation.New(checker)
	if err != nil {
		return nil, fmt.Errorf("leadflow: validator: %w", err)
	}

	rt, err := engine.New(engine.Config{
		Ledger:    ledger,
		Queues:    queues,
		Executors: executor.NewRegistry(performer, predicates),
		Validator: validator,
		Observer:  observer,
		Logger:    logger,
		Now:       opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("leadflow: %w", err)
	}

	wcfg := opts.Worker
	if wcfg.Logger == nil {
		wcfg.Logger = logger
	}
	if wcfg.Observer == nil {
		wcfg.Observer = observer
	}

	return &Bundle{
		Runtime: rt,
		Pools:   worker.NewPools(rt, queues, wcfg),
		Ledger:  ledger,
		Queues:  queues,
		Loader:  definitions.NewLoader(validator),
	}, nil
}

func (o Options) queueOptions() taskqueue.Options {
	return taskqueue.Options{Policy: o.Policy, PollInterval: o.PollInterval, Now: o.Now}
}

// NewInMemoryBundle returns a non-durable bundle for tests and local
// development.
func NewInMemoryBundle(opts Options) (*Bundle, error) {
	qo := opts.queueOptions()
	return newBundle(persistence.NewInMemoryStore(), taskqueue.Queues{
		Immediate: taskqueue.NewInMemoryQueue(taskqueue.QueueImmediate, qo),
		Delayed:   taskqueue.NewInMemoryQueue(taskqueue.QueueDelayed, qo),
	}, opts)
}

// NewSQLiteBundle stores executions and jobs in db, creating the schema if
// needed. Use a single connection (db.SetMaxOpenConns(1)) for in-memory
// databases.
func NewSQLiteBundle(ctx context.Context, db *sql.DB, opts Options) (*Bundle, error) {
	store, err := persistence.NewSQLiteStore(ctx, db)
	if err != nil {
		return nil, err
	}
	qo := opts.queueOptions()
	immediate, err := taskqueue.NewSQLiteQueue(db, taskqueue.QueueImmediate, qo)
	if err != nil {
		return nil, err
	}
	delayed, err := taskqueue.NewSQLiteQueue(db, taskqueue.QueueDelayed, qo)
	if err != nil {
		return nil, err
	}
	return newBundle(store, taskqueue.Queues{Immediate: immediate, Delayed: delayed}, opts)
}

// NewPostgresBundle stores executions and jobs in PostgreSQL.
func NewPostgresBundle(ctx context.Context, pool *pgxpool.Pool, opts Options) (*Bundle, error) {
	store, err := persistence.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	qo := opts.queueOptions()
	immediate, err := taskqueue.NewPostgresQueue(ctx, pool, taskqueue.QueueImmediate, qo)
	if err != nil {
		return nil, err
	}
	delayed, err := taskqueue.NewPostgresQueue(ctx, pool, taskqueue.QueueDelayed, qo)
	if err != nil {
		return nil, err
	}
	return newBundle(store, taskqueue.Queues{Immediate: immediate, Delayed: delayed}, opts)
}

// NewRedisBundle stores executions and jobs in Redis under prefix.
func NewRedisBundle(client *redis.Client, prefix string, opts Options) (*Bundle, error) {
	qo := opts.queueOptions()
	return newBundle(persistence.NewRedisStore(client, prefix), taskqueue.Queues{
		Immediate: taskqueue.NewRedisQueue(client, prefix, taskqueue.QueueImmediate, qo),
		Delayed:   taskqueue.NewRedisQueue(client, prefix, taskqueue.QueueDelayed, qo),
	}, opts)
}

// NewMongoBundle stores executions and jobs in the named MongoDB database.
func NewMongoBundle(ctx context.Context, client *mongo.Client, database string, opts Options) (*Bundle, error) {
	store, err := persistence.NewMongoStore(ctx, client, database)
	if err != nil {
		return nil, err
	}
	qo := opts.queueOptions()
	immediate, err := taskqueue.NewMongoQueue(ctx, client, database, "", taskqueue.QueueImmediate, qo)
	if err != nil {
		return nil, err
	}
	delayed, err := taskqueue.NewMongoQueue(ctx, client, database, "", taskqueue.QueueDelayed, qo)
	if err != nil {
		return nil, err
	}
	return newBundle(store, taskqueue.Queues{Immediate: immediate, Delayed: delayed}, opts)
}

// Run runs both worker pools until ctx is cancelled.
func (b *Bundle) Run(ctx context.Context) error {
	return b.Pools.Run(ctx)
}

// Apply saves every definition, returning the stored versions in order.
func (b *Bundle) Apply(ctx context.Context, defs ...*Definition) ([]*Definition, error) {
	saved := make([]*Definition, 0, len(defs))
	var errs []error
	for _, def := range defs {
		out, err := b.Runtime.SaveDefinition(ctx, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("definition %s: %w", def.ID, err))
			continue
		}
		saved = append(saved, out)
	}
	return saved, errors.Join(errs...)
}
