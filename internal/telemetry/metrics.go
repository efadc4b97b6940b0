// Package telemetry exports runtime events as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

const instrumentationName = "github.com/abhogle/leadops-os-sub001"

// Metrics is an api.Observer that records counters and step latency.
type Metrics struct {
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	started      metric.Int64Counter
	finished     metric.Int64Counter
	deadLettered metric.Int64Counter
}

var _ api.Observer = (*Metrics)(nil)

// NewMetrics creates the instruments on provider, or on the global provider
// when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	var (
		m   Metrics
		err error
	)
	if m.steps, err = meter.Int64Counter("leadflow.steps",
		metric.WithDescription("Step records written, by node type and status.")); err != nil {
		return nil, fmt.Errorf("create leadflow.steps: %w", err)
	}
	if m.stepDuration, err = meter.Float64Histogram("leadflow.step.duration",
		metric.WithDescription("Time spent executing one node."),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create leadflow.step.duration: %w", err)
	}
	if m.started, err = meter.Int64Counter("leadflow.executions.started"); err != nil {
		return nil, fmt.Errorf("create leadflow.executions.started: %w", err)
	}
	if m.finished, err = meter.Int64Counter("leadflow.executions.finished",
		metric.WithDescription("Executions that reached a terminal status.")); err != nil {
		return nil, fmt.Errorf("create leadflow.executions.finished: %w", err)
	}
	if m.deadLettered, err = meter.Int64Counter("leadflow.jobs.dead_lettered"); err != nil {
		return nil, fmt.Errorf("create leadflow.jobs.dead_lettered: %w", err)
	}
	return &m, nil
}

func (m *Metrics) OnExecutionStarted(ctx context.Context, exec *api.Execution) {
	m.started.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition_id", exec.DefinitionID),
	))
}

func (m *Metrics) OnStepRecorded(ctx context.Context, exec *api.Execution, step api.StepExecution, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("definition_id", exec.DefinitionID),
		attribute.String("node_type", string(step.NodeType)),
		attribute.String("status", string(step.Status)),
	)
	m.steps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) OnExecutionFinished(ctx context.Context, exec *api.Execution) {
	m.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition_id", exec.DefinitionID),
		attribute.String("status", string(exec.Status)),
	))
}

func (m *Metrics) OnJobDeadLettered(ctx context.Context, queue, _, _ string, err error) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("code", api.ErrorCode(err)),
	))
}
