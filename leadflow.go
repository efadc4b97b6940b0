package leadflow

import (
	"github.com/abhogle/leadops-os-sub001/internal/taskqueue"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Definition           = api.Definition
	Node                 = api.Node
	Edge                 = api.Edge
	NodeType             = api.NodeType
	Execution            = api.Execution
	ExecutionFilter      = api.ExecutionFilter
	StepExecution        = api.StepExecution
	Status               = api.Status
	Error                = api.Error
	ActionResult         = api.ActionResult
	ActionPerformer      = api.ActionPerformer
	ActionFunc           = api.ActionFunc
	Predicate            = api.Predicate
	PredicateEvaluator   = api.PredicateEvaluator
	PredicateFunc        = api.PredicateFunc
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	RetryPolicy          = taskqueue.RetryPolicy
	Job                  = taskqueue.Job
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Permanent            = api.Permanent
	IsRetryable          = api.IsRetryable
	ErrorCode            = api.ErrorCode
)

// Re-export status values and node types for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	NodeStart     = api.NodeStart
	NodeEnd       = api.NodeEnd
	NodeAction    = api.NodeAction
	NodeDelay     = api.NodeDelay
	NodeCondition = api.NodeCondition

	QueueImmediate = taskqueue.QueueImmediate
	QueueDelayed   = taskqueue.QueueDelayed
)
