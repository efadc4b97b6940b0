package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the runtime and workers for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnExecutionStarted is called once after an execution record has been
	// created and its Start job enqueued.
	OnExecutionStarted(ctx context.Context, exec *Execution)

	// OnStepRecorded is called after a step record has been persisted, for
	// both successes and failures.
	OnStepRecorded(ctx context.Context, exec *Execution, step StepExecution, d time.Duration)

	// OnExecutionFinished is called when an execution reaches a terminal
	// status (completed, failed or cancelled).
	OnExecutionFinished(ctx context.Context, exec *Execution)

	// OnJobDeadLettered is called by workers when a job exhausted its retry
	// budget or failed fatally.
	OnJobDeadLettered(ctx context.Context, queue, executionID, nodeID string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStarted(ctx context.Context, exec *Execution) {}
func (NoopObserver) OnStepRecorded(ctx context.Context, exec *Execution, step StepExecution, d time.Duration) {
}
func (NoopObserver) OnExecutionFinished(ctx context.Context, exec *Execution) {}
func (NoopObserver) OnJobDeadLettered(ctx context.Context, queue, executionID, nodeID string, err error) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStarted(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStarted(ctx, exec)
	}
}

func (c *CompositeObserver) OnStepRecorded(ctx context.Context, exec *Execution, step StepExecution, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepRecorded(ctx, exec, step, d)
	}
}

func (c *CompositeObserver) OnExecutionFinished(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionFinished(ctx, exec)
	}
}

func (c *CompositeObserver) OnJobDeadLettered(ctx context.Context, queue, executionID, nodeID string, err error) {
	for _, o := range c.observers {
		o.OnJobDeadLettered(ctx, queue, executionID, nodeID, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStarted(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_started",
		slog.String("definition_id", exec.DefinitionID),
		slog.Int("definition_version", exec.DefinitionVersion),
		slog.String("execution_id", exec.ID),
		slog.String("subject_ref", exec.SubjectRef),
	)
}

func (o *LoggingObserver) OnStepRecorded(ctx context.Context, exec *Execution, step StepExecution, d time.Duration) {
	level := slog.LevelDebug
	if step.Status == StepFailed {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("execution_id", exec.ID),
		slog.String("node_id", step.NodeID),
		slog.String("node_type", string(step.NodeType)),
		slog.String("status", string(step.Status)),
		slog.Int("attempt", step.Attempt),
		slog.Duration("duration", d),
	}
	if step.Branch != "" {
		attrs = append(attrs, slog.String("branch", step.Branch))
	}
	if step.Error != "" {
		attrs = append(attrs, slog.String("error", step.Error))
	}
	o.Logger.LogAttrs(ctx, level, "step_recorded", attrs...)
}

func (o *LoggingObserver) OnExecutionFinished(ctx context.Context, exec *Execution) {
	level := slog.LevelInfo
	if exec.Status == StatusFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "execution_finished",
		slog.String("execution_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.String("node_id", exec.CurrentNodeID),
		slog.String("last_error", exec.LastError),
	)
}

func (o *LoggingObserver) OnJobDeadLettered(ctx context.Context, queue, executionID, nodeID string, err error) {
	o.Logger.ErrorContext(ctx, "job_dead_lettered",
		slog.String("queue", queue),
		slog.String("execution_id", executionID),
		slog.String("node_id", nodeID),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	executionsCancelled atomic.Int64
	stepsSucceeded      atomic.Int64
	stepsFailed         atomic.Int64
	deadLettered        atomic.Int64
	totalStepDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	ExecutionsCancelled int64
	ActiveExecutions    int64

	StepsSucceeded  int64
	StepsFailed     int64
	AvgStepDuration time.Duration

	JobsDeadLettered int64
}

func (m *BasicMetrics) OnExecutionStarted(ctx context.Context, exec *Execution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnStepRecorded(ctx context.Context, exec *Execution, step StepExecution, d time.Duration) {
	if step.Status == StepFailed {
		m.stepsFailed.Add(1)
		return
	}
	m.stepsSucceeded.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnExecutionFinished(ctx context.Context, exec *Execution) {
	switch exec.Status {
	case StatusCompleted:
		m.executionsCompleted.Add(1)
	case StatusFailed:
		m.executionsFailed.Add(1)
	case StatusCancelled:
		m.executionsCancelled.Add(1)
	}
}

func (m *BasicMetrics) OnJobDeadLettered(ctx context.Context, queue, executionID, nodeID string, err error) {
	m.deadLettered.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	cancelled := m.executionsCancelled.Load()
	steps := m.stepsSucceeded.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		ExecutionsCancelled: cancelled,
		ActiveExecutions:    started - completed - failed - cancelled,
		StepsSucceeded:      steps,
		StepsFailed:         m.stepsFailed.Load(),
		AvgStepDuration:     avg,
		JobsDeadLettered:    m.deadLettered.Load(),
	}
}
