package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	nodeIDKey
	jobIDKey
	workerIDKey
)

// Attribute names used for correlation.
const (
	AttrExecutionID = "execution_id"
	AttrNodeID      = "node_id"
	AttrJobID       = "job_id"
	AttrWorkerID    = "worker_id"
)

// WithExecution returns a context carrying the execution and node ids.
func WithExecution(ctx context.Context, executionID, nodeID string) context.Context {
	ctx = context.WithValue(ctx, executionIDKey, executionID)
	return context.WithValue(ctx, nodeIDKey, nodeID)
}

// WithJob returns a context carrying the job and worker ids.
func WithJob(ctx context.Context, jobID, workerID string) context.Context {
	ctx = context.WithValue(ctx, jobIDKey, jobID)
	return context.WithValue(ctx, workerIDKey, workerID)
}

// ExecutionID extracts the execution id from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// NodeID extracts the node id from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// JobID extracts the job id from the context, or "" if absent.
func JobID(ctx context.Context) string {
	v, _ := ctx.Value(jobIDKey).(string)
	return v
}

// WorkerID extracts the worker id from the context, or "" if absent.
func WorkerID(ctx context.Context) string {
	v, _ := ctx.Value(workerIDKey).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ExecutionID(ctx); v != "" {
		attrs = append(attrs, slog.String(AttrExecutionID, v))
	}
	if v := NodeID(ctx); v != "" {
		attrs = append(attrs, slog.String(AttrNodeID, v))
	}
	if v := JobID(ctx); v != "" {
		attrs = append(attrs, slog.String(AttrJobID, v))
	}
	if v := WorkerID(ctx); v != "" {
		attrs = append(attrs, slog.String(AttrWorkerID, v))
	}
	return attrs
}

// CorrelationHandler wraps an slog.Handler and adds the correlation ids
// found in the context to every record.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := correlationAttrs(ctx); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
