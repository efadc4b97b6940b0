package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abhogle/leadops-os-sub001/internal/executor"
	"github.com/abhogle/leadops-os-sub001/internal/persistence"
	"github.com/abhogle/leadops-os-sub001/internal/taskqueue"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// fakeClock is shared by the runtime and the queues so that delayed jobs
// become eligible when the test moves time forward.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingObserver counts lifecycle callbacks.
type recordingObserver struct {
	mu           sync.Mutex
	started      []string
	steps        []api.StepExecution
	finished     map[string]api.Status
	deadLettered []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: map[string]api.Status{}}
}

func (o *recordingObserver) OnExecutionStarted(_ context.Context, exec *api.Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, exec.ID)
}

func (o *recordingObserver) OnStepRecorded(_ context.Context, _ *api.Execution, step api.StepExecution, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step)
}

func (o *recordingObserver) OnExecutionFinished(_ context.Context, exec *api.Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[exec.ID] = exec.Status
}

func (o *recordingObserver) OnJobDeadLettered(_ context.Context, _ string, executionID, _ string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadLettered = append(o.deadLettered, executionID)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	rt       *Runtime
	ledger   persistence.Ledger
	queues   taskqueue.Queues
	clock    *fakeClock
	observer *recordingObserver
}

type harnessOptions struct {
	actions    api.ActionPerformer
	predicates api.PredicateEvaluator
	policy     taskqueue.RetryPolicy
	ledger     persistence.Ledger
	queues     func(opts taskqueue.Options) taskqueue.Queues
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()

	clock := newFakeClock()
	if o.actions == nil {
		o.actions = alwaysOK()
	}
	if o.predicates == nil {
		o.predicates = constantLabel("false")
	}
	if o.policy.MaxAttempts == 0 {
		o.policy = taskqueue.RetryPolicy{MaxAttempts: 5, InitialBackoff: 0, Multiplier: 2}
	}
	if o.ledger == nil {
		o.ledger = persistence.NewInMemoryStore()
	}
	qopts := taskqueue.Options{Policy: o.policy, PollInterval: time.Millisecond, Now: clock.Now}
	var queues taskqueue.Queues
	if o.queues != nil {
		queues = o.queues(qopts)
	} else {
		queues = taskqueue.Queues{
			Immediate: taskqueue.NewInMemoryQueue(taskqueue.QueueImmediate, qopts),
			Delayed:   taskqueue.NewInMemoryQueue(taskqueue.QueueDelayed, qopts),
		}
	}

	obs := newRecordingObserver()
	rt, err := New(Config{
		Ledger:    o.ledger,
		Queues:    queues,
		Executors: executor.NewRegistry(o.actions, o.predicates),
		Observer:  obs,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{
		t:        t,
		ctx:      context.Background(),
		rt:       rt,
		ledger:   o.ledger,
		queues:   queues,
		clock:    clock,
		observer: obs,
	}
}

// claim returns the next eligible job of q, or nil when none is eligible.
func (h *harness) claim(q taskqueue.Queue) *taskqueue.Job {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 20*time.Millisecond)
	defer cancel()
	job, err := q.Claim(ctx, "test-worker", time.Minute)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		h.t.Fatalf("Claim(%s): %v", q.Name(), err)
	}
	return job
}

// process runs one claimed job the way a worker poller does.
func (h *harness) process(q taskqueue.Queue, job *taskqueue.Job) error {
	h.t.Helper()
	err := h.rt.Advance(WithAttempt(h.ctx, job.Attempts), job.ExecutionID, job.NodeID)
	if err == nil {
		if ackErr := q.Ack(h.ctx, job.ID, "test-worker"); ackErr != nil {
			h.t.Fatalf("Ack: %v", ackErr)
		}
		return nil
	}
	res, failErr := q.Fail(h.ctx, job.ID, "test-worker", taskqueue.Failure{Retryable: api.IsRetryable(err), Err: err})
	if failErr != nil {
		h.t.Fatalf("Fail: %v", failErr)
	}
	if res.DeadLettered {
		if abErr := h.rt.Abandon(h.ctx, job.ExecutionID, job.NodeID, err); abErr != nil {
			h.t.Fatalf("Abandon: %v", abErr)
		}
	}
	return err
}

// drain processes jobs from both queues until none is eligible and returns
// the errors Advance reported along the way.
func (h *harness) drain() []error {
	h.t.Helper()
	var errs []error
	for range 200 {
		progressed := false
		for _, q := range []taskqueue.Queue{h.queues.Immediate, h.queues.Delayed} {
			if job := h.claim(q); job != nil {
				progressed = true
				if err := h.process(q, job); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if !progressed {
			return errs
		}
	}
	h.t.Fatalf("drain did not settle")
	return nil
}

func (h *harness) save(def *api.Definition) *api.Definition {
	h.t.Helper()
	saved, err := h.rt.SaveDefinition(h.ctx, def)
	if err != nil {
		h.t.Fatalf("SaveDefinition(%s): %v", def.ID, err)
	}
	return saved
}

func (h *harness) start(definitionID string, initial map[string]any) string {
	h.t.Helper()
	id, err := h.rt.StartWorkflow(h.ctx, definitionID, "lead-42", initial)
	if err != nil {
		h.t.Fatalf("StartWorkflow: %v", err)
	}
	return id
}

func (h *harness) execution(id string) *api.Execution {
	h.t.Helper()
	exec, err := h.rt.GetExecution(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetExecution: %v", err)
	}
	return exec
}

func (h *harness) steps(id string) []*api.StepExecution {
	h.t.Helper()
	steps, err := h.rt.ListSteps(h.ctx, id)
	if err != nil {
		h.t.Fatalf("ListSteps: %v", err)
	}
	return steps
}

func (h *harness) pending() int {
	h.t.Helper()
	total := 0
	for _, q := range []taskqueue.Queue{h.queues.Immediate, h.queues.Delayed} {
		n, err := q.Len(h.ctx)
		if err != nil {
			h.t.Fatalf("Len(%s): %v", q.Name(), err)
		}
		total += n
	}
	return total
}

func alwaysOK() api.ActionPerformer {
	return api.ActionFunc(func(context.Context, string, map[string]any, map[string]any) (api.ActionResult, error) {
		return api.ActionResult{OK: true, ContextPatch: map[string]any{"sent": true}}, nil
	})
}

func constantLabel(label string) api.PredicateEvaluator {
	return api.PredicateFunc(func(context.Context, api.Predicate, map[string]any) (string, error) {
		return label, nil
	})
}

// followUp is start -> send -> replied? -> {true: won, false: wait(1h) -> lost}.
func followUp() *api.Definition {
	return &api.Definition{
		ID:     "follow-up",
		Name:   "Lead follow-up",
		Active: true,
		Nodes: map[string]api.Node{
			"start":   {ID: "start", Type: api.NodeStart, Config: api.StartConfig{}},
			"send":    {ID: "send", Type: api.NodeAction, Config: api.ActionConfig{Action: "sms.send"}},
			"replied": {ID: "replied", Type: api.NodeCondition, Config: api.ConditionConfig{Expression: "replied"}},
			"wait":    {ID: "wait", Type: api.NodeDelay, Config: api.DelayConfig{Duration: api.Duration(time.Hour)}},
			"won":     {ID: "won", Type: api.NodeEnd, Config: api.EndConfig{Reason: "won"}},
			"lost":    {ID: "lost", Type: api.NodeEnd, Config: api.EndConfig{Reason: "no_reply"}},
		},
		Edges: []api.Edge{
			{From: "start", To: "send"},
			{From: "send", To: "replied"},
			{From: "replied", To: "won", BranchLabel: "true"},
			{From: "replied", To: "wait", BranchLabel: "false"},
			{From: "wait", To: "lost"},
		},
	}
}

func nodeIDs(steps []*api.StepExecution) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.NodeID
	}
	return out
}

// assertValidPath checks that successful steps walk the definition's edges
// from its start node.
func assertValidPath(t *testing.T, def *api.Definition, steps []*api.StepExecution) {
	t.Helper()
	var prev string
	for i, s := range steps {
		if s.Status != api.StepSuccess {
			continue
		}
		if prev == "" {
			if start, _ := def.StartNode(); s.NodeID != start {
				t.Fatalf("step %d: path starts at %q, want start node %q", i, s.NodeID, start)
			}
			prev = s.NodeID
			continue
		}
		linked := false
		for _, e := range def.OutgoingEdges(prev) {
			if e.To == s.NodeID {
				linked = true
				break
			}
		}
		if !linked {
			t.Fatalf("step %d: no edge %q -> %q", i, prev, s.NodeID)
		}
		prev = s.NodeID
	}
}
