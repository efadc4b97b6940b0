package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver counts callbacks and keeps the last arguments seen.
type testObserver struct {
	mu sync.Mutex

	starts   int
	steps    int
	finishes int
	dead     int

	lastStart  *Execution
	lastStep   StepExecution
	lastStepD  time.Duration
	lastFinish *Execution
	lastDead   struct {
		Queue, ExecutionID, NodeID string
		Err                        error
	}
}

func (o *testObserver) OnExecutionStarted(ctx context.Context, exec *Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastStart = exec
}

func (o *testObserver) OnStepRecorded(ctx context.Context, exec *Execution, step StepExecution, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps++
	o.lastStep = step
	o.lastStepD = d
}

func (o *testObserver) OnExecutionFinished(ctx context.Context, exec *Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishes++
	o.lastFinish = exec
}

func (o *testObserver) OnJobDeadLettered(ctx context.Context, queue, executionID, nodeID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dead++
	o.lastDead.Queue, o.lastDead.ExecutionID, o.lastDead.NodeID, o.lastDead.Err = queue, executionID, nodeID, err
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestExecution() *Execution {
	return &Execution{
		ID:                "exec-1",
		DefinitionID:      "follow-up",
		DefinitionVersion: 2,
		SubjectRef:        "lead-42",
		CurrentNodeID:     "send",
		Status:            StatusRunning,
	}
}

//
// NoopObserver / CompositeObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()

	var o NoopObserver
	o.OnExecutionStarted(ctx, exec)
	o.OnStepRecorded(ctx, exec, StepExecution{NodeID: "send"}, time.Second)
	o.OnExecutionFinished(ctx, exec)
	o.OnJobDeadLettered(ctx, "immediate", exec.ID, "send", errors.New("boom"))
}

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver(nil, nil)
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	o1 := &testObserver{}
	o := NewCompositeObserver(nil, o1)
	if o != o1 {
		t.Fatalf("expected the single observer to be returned as-is")
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("send failed")
	step := StepExecution{NodeID: "send", NodeType: NodeAction, Status: StepFailed, Attempt: 2}
	co.OnExecutionStarted(ctx, exec)
	co.OnStepRecorded(ctx, exec, step, 2*time.Second)
	co.OnExecutionFinished(ctx, exec)
	co.OnJobDeadLettered(ctx, "immediate", exec.ID, "send", err)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.steps != 1 || o.finishes != 1 || o.dead != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastStart != exec || o.lastFinish != exec {
			t.Fatalf("observer %d execution mismatch", i+1)
		}
		if o.lastStep != step || o.lastStepD != 2*time.Second {
			t.Fatalf("observer %d step mismatch: %+v %v", i+1, o.lastStep, o.lastStepD)
		}
		if o.lastDead.Queue != "immediate" || o.lastDead.NodeID != "send" || o.lastDead.Err != err {
			t.Fatalf("observer %d dead-letter mismatch: %+v", i+1, o.lastDead)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnExecutionStarted_EmitsInfoLog(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	exec := newTestExecution()

	o.OnExecutionStarted(context.Background(), exec)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "execution_started" {
		t.Fatalf("expected message execution_started, got %q", rec.Message)
	}
	attrs := attrsToMap(rec)
	if attrs["definition_id"] != exec.DefinitionID {
		t.Fatalf("expected definition_id=%q, got %v", exec.DefinitionID, attrs["definition_id"])
	}
	if attrs["execution_id"] != exec.ID {
		t.Fatalf("expected execution_id=%q, got %v", exec.ID, attrs["execution_id"])
	}
	if attrs["subject_ref"] != exec.SubjectRef {
		t.Fatalf("expected subject_ref=%q, got %v", exec.SubjectRef, attrs["subject_ref"])
	}
}

func TestLoggingObserver_OnStepRecorded_LevelDependsOnStatus(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	ctx := context.Background()
	exec := newTestExecution()

	o.OnStepRecorded(ctx, exec, StepExecution{NodeID: "check", NodeType: NodeCondition, Status: StepSuccess, Branch: "true"}, time.Second)
	o.OnStepRecorded(ctx, exec, StepExecution{NodeID: "send", NodeType: NodeAction, Status: StepFailed, Error: "boom"}, 2*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	okRec, failRec := h.records[0], h.records[1]

	if okRec.Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", okRec.Level)
	}
	if failRec.Level != slog.LevelWarn {
		t.Fatalf("expected failure record LevelWarn, got %v", failRec.Level)
	}
	if b := attrsToMap(okRec)["branch"]; b != "true" {
		t.Fatalf("expected branch=true, got %v", b)
	}
	failAttrs := attrsToMap(failRec)
	if failAttrs["error"] != "boom" {
		t.Fatalf("expected error=boom, got %v", failAttrs["error"])
	}
	if _, ok := attrsToMap(okRec)["error"]; ok {
		t.Fatalf("did not expect error attribute on success record")
	}
}

func TestLoggingObserver_OnExecutionFinished_FailedIsError(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	exec := newTestExecution()
	exec.Status = StatusFailed
	exec.LastError = "action_failed: sms gateway down"

	o.OnExecutionFinished(context.Background(), exec)

	if len(h.records) != 1 || h.records[0].Level != slog.LevelError {
		t.Fatalf("expected one LevelError record, got %+v", h.records)
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_CountersAndSnapshot(t *testing.T) {
	ctx := context.Background()
	m := &BasicMetrics{}

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		exec := newTestExecution()
		m.OnExecutionStarted(ctx, exec)
		exec.Status = s
		m.OnExecutionFinished(ctx, exec)
	}
	m.OnExecutionStarted(ctx, newTestExecution())
	m.OnJobDeadLettered(ctx, "delayed", "exec-1", "wait", errors.New("boom"))

	s := m.Snapshot()
	if s.ExecutionsStarted != 4 || s.ExecutionsCompleted != 1 || s.ExecutionsFailed != 1 || s.ExecutionsCancelled != 1 {
		t.Fatalf("unexpected execution counters: %+v", s)
	}
	if s.ActiveExecutions != 1 {
		t.Fatalf("expected 1 active execution, got %d", s.ActiveExecutions)
	}
	if s.JobsDeadLettered != 1 {
		t.Fatalf("expected 1 dead-lettered job, got %d", s.JobsDeadLettered)
	}
}

func TestBasicMetrics_OnStepRecorded_SuccessOnlyCountsDuration(t *testing.T) {
	ctx := context.Background()
	m := &BasicMetrics{}
	exec := newTestExecution()

	m.OnStepRecorded(ctx, exec, StepExecution{Status: StepSuccess}, time.Second)
	m.OnStepRecorded(ctx, exec, StepExecution{Status: StepSuccess}, 3*time.Second)
	m.OnStepRecorded(ctx, exec, StepExecution{Status: StepFailed}, time.Hour)

	s := m.Snapshot()
	if s.StepsSucceeded != 2 || s.StepsFailed != 1 {
		t.Fatalf("unexpected step counters: %+v", s)
	}
	if s.AvgStepDuration != 2*time.Second {
		t.Fatalf("expected average 2s, got %v", s.AvgStepDuration)
	}
}

func TestBasicMetrics_SnapshotZeroStepsHasZeroAverage(t *testing.T) {
	m := &BasicMetrics{}
	if avg := m.Snapshot().AvgStepDuration; avg != 0 {
		t.Fatalf("expected zero average, got %v", avg)
	}
}
