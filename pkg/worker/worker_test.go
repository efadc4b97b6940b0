package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abhogle/leadops-os-sub001/internal/logging"
	"github.com/abhogle/leadops-os-sub001/internal/taskqueue"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// fakeRuntime records calls and answers Advance with advanceFn.
type fakeRuntime struct {
	mu        sync.Mutex
	advanced  []string
	jobIDs    []string
	abandoned []string
	advanceFn func(ctx context.Context, executionID, nodeID string) error
}

func (r *fakeRuntime) Advance(ctx context.Context, executionID, nodeID string) error {
	r.mu.Lock()
	r.advanced = append(r.advanced, executionID+"/"+nodeID)
	r.jobIDs = append(r.jobIDs, logging.JobID(ctx))
	fn := r.advanceFn
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, executionID, nodeID)
}

func (r *fakeRuntime) Abandon(_ context.Context, executionID, nodeID string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, executionID+"/"+nodeID)
	return nil
}

type deadLetterObserver struct {
	api.NoopObserver
	count atomic.Int32
}

func (o *deadLetterObserver) OnJobDeadLettered(context.Context, string, string, string, error) {
	o.count.Add(1)
}

func newQueue(maxAttempts int) *taskqueue.InMemoryQueue {
	return taskqueue.NewInMemoryQueue(taskqueue.QueueImmediate, taskqueue.Options{
		Policy:       taskqueue.RetryPolicy{MaxAttempts: maxAttempts, InitialBackoff: 0, Multiplier: 2},
		PollInterval: time.Millisecond,
	})
}

func enqueue(t *testing.T, q taskqueue.Queue, execID, nodeID string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), taskqueue.Job{ExecutionID: execID, NodeID: nodeID})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func queueLen(t *testing.T, q taskqueue.Queue) int {
	t.Helper()
	n, err := q.Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	return n
}

func TestWorker_ProcessOneAcksOnSuccess(t *testing.T) {
	q := newQueue(3)
	rt := &fakeRuntime{}
	w := New(rt, q, Config{WorkerID: "w1", Logger: logging.Discard()})

	jobID := enqueue(t, q, "exec-1", "start")

	processed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !processed {
		t.Fatalf("expected a processed job")
	}
	if len(rt.advanced) != 1 || rt.advanced[0] != "exec-1/start" {
		t.Fatalf("unexpected advance calls %v", rt.advanced)
	}
	if rt.jobIDs[0] != jobID {
		t.Fatalf("expected job id %s in context, got %q", jobID, rt.jobIDs[0])
	}
	if n := queueLen(t, q); n != 0 {
		t.Fatalf("expected acked job removed, %d left", n)
	}
}

func TestWorker_RetryableErrorReschedules(t *testing.T) {
	q := newQueue(3)
	rt := &fakeRuntime{advanceFn: func(context.Context, string, string) error {
		return errors.New("provider unavailable")
	}}
	w := New(rt, q, Config{WorkerID: "w1", Logger: logging.Discard()})
	enqueue(t, q, "exec-1", "send")

	processed, err := w.ProcessOne(context.Background())
	if !processed || err == nil {
		t.Fatalf("expected processed job with error, got %v %v", processed, err)
	}
	if n := queueLen(t, q); n != 1 {
		t.Fatalf("expected job rescheduled, queue has %d", n)
	}
	dead, _ := q.DeadLetters(context.Background(), 10)
	if len(dead) != 0 {
		t.Fatalf("retryable failure dead-lettered early")
	}
	if len(rt.abandoned) != 0 {
		t.Fatalf("execution abandoned on first retryable failure")
	}
}

func TestWorker_RetriesExhaustedDeadLettersAndAbandons(t *testing.T) {
	q := newQueue(3)
	rt := &fakeRuntime{advanceFn: func(context.Context, string, string) error {
		return errors.New("provider unavailable")
	}}
	obs := &deadLetterObserver{}
	w := New(rt, q, Config{WorkerID: "w1", Observer: obs, Logger: logging.Discard()})
	enqueue(t, q, "exec-1", "send")

	for range 3 {
		if processed, _ := w.ProcessOne(context.Background()); !processed {
			t.Fatalf("expected a job")
		}
	}

	if len(rt.advanced) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(rt.advanced))
	}
	dead, err := q.DeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].Attempts != 3 {
		t.Fatalf("expected dead-lettered job after 3 attempts, got %+v", dead)
	}
	if len(rt.abandoned) != 1 || rt.abandoned[0] != "exec-1/send" {
		t.Fatalf("expected execution abandoned, got %v", rt.abandoned)
	}
	if obs.count.Load() != 1 {
		t.Fatalf("expected one dead-letter event, got %d", obs.count.Load())
	}
}

func TestWorker_FatalErrorDeadLettersImmediately(t *testing.T) {
	q := newQueue(5)
	rt := &fakeRuntime{advanceFn: func(context.Context, string, string) error {
		return api.NewError(api.CodeGraphConfig, "no edge for branch maybe")
	}}
	w := New(rt, q, Config{WorkerID: "w1", Logger: logging.Discard()})
	enqueue(t, q, "exec-1", "replied")

	_, err := w.ProcessOne(context.Background())
	if api.ErrorCode(err) != api.CodeGraphConfig {
		t.Fatalf("expected graph_config error, got %v", err)
	}
	dead, _ := q.DeadLetters(context.Background(), 10)
	if len(dead) != 1 || dead[0].Attempts != 1 {
		t.Fatalf("expected immediate dead letter, got %+v", dead)
	}
}

func TestWorker_ShutdownLeavesJobForRedelivery(t *testing.T) {
	q := newQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	rt := &fakeRuntime{advanceFn: func(ctx context.Context, _, _ string) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}
	w := New(rt, q, Config{WorkerID: "w1", Logger: logging.Discard()})
	enqueue(t, q, "exec-1", "send")

	processed, err := w.ProcessOne(ctx)
	if !processed || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected processed job with context.Canceled, got %v %v", processed, err)
	}
	dead, _ := q.DeadLetters(context.Background(), 10)
	if len(dead) != 0 {
		t.Fatalf("shutdown must not dead-letter the job")
	}
	if n := queueLen(t, q); n != 1 {
		t.Fatalf("expected job still queued, got %d", n)
	}
}

// countingQueue counts lease renewals.
type countingQueue struct {
	taskqueue.Queue
	renews atomic.Int64
}

func (q *countingQueue) RenewLease(ctx context.Context, jobID, owner string, visibility time.Duration) error {
	q.renews.Add(1)
	return q.Queue.RenewLease(ctx, jobID, owner, visibility)
}

func TestWorker_HeartbeatPreventsRedeliveryDuringLongAdvance(t *testing.T) {
	inner := newQueue(1)
	q := &countingQueue{Queue: inner}

	started := make(chan struct{})
	release := make(chan struct{})
	rt := &fakeRuntime{advanceFn: func(ctx context.Context, _, _ string) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}}
	w := New(rt, q, Config{
		WorkerID:          "w1",
		Visibility:        40 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		Logger:            logging.Discard(),
	})
	enqueue(t, q, "exec-1", "send")

	done := make(chan error, 1)
	go func() {
		_, err := w.ProcessOne(context.Background())
		done <- err
	}()
	<-started

	// Well past the visibility window, another consumer still sees nothing.
	claimCtx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if job, err := inner.Claim(claimCtx, "w2", time.Second); err == nil {
		t.Fatalf("job %s redelivered while its lease was being renewed", job.ID)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if q.renews.Load() < 2 {
		t.Fatalf("expected repeated lease renewals, got %d", q.renews.Load())
	}
	if n := queueLen(t, q); n != 0 {
		t.Fatalf("expected job acked, %d left", n)
	}
}

func TestWorker_LostLeaseCancelsAdvance(t *testing.T) {
	inner := newQueue(5)
	q := &lossyQueue{Queue: inner}
	rt := &fakeRuntime{advanceFn: func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	w := New(rt, q, Config{
		WorkerID:          "w1",
		Visibility:        time.Second,
		HeartbeatInterval: 5 * time.Millisecond,
		Logger:            logging.Discard(),
	})
	enqueue(t, q, "exec-1", "send")

	processed, err := w.ProcessOne(context.Background())
	if !processed || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled advance, got %v %v", processed, err)
	}
	dead, _ := inner.DeadLetters(context.Background(), 10)
	if len(dead) != 0 {
		t.Fatalf("lost lease must not fail the job")
	}
}

// lossyQueue reports every lease renewal as lost.
type lossyQueue struct {
	taskqueue.Queue
}

func (q *lossyQueue) RenewLease(context.Context, string, string, time.Duration) error {
	return taskqueue.ErrLeaseLost
}

func TestWorker_ConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.WorkerID == "" || cfg.Pollers != 4 || cfg.Visibility != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("expected heartbeat at a third of visibility, got %s", cfg.HeartbeatInterval)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q := newQueue(3)
	var handled atomic.Int32
	rt := &fakeRuntime{advanceFn: func(context.Context, string, string) error {
		handled.Add(1)
		return nil
	}}
	w := New(rt, q, Config{WorkerID: "w1", Pollers: 3, Logger: logging.Discard()})
	for range 10 {
		enqueue(t, q, "exec-1", "start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 10 jobs handled", handled.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestWorker_TryProcessOneEmptyQueue(t *testing.T) {
	q := newQueue(3)
	w := New(&fakeRuntime{}, q, Config{WorkerID: "w1", Logger: logging.Discard()})

	processed, err := w.TryProcessOne(context.Background(), 5*time.Millisecond)
	if processed || err != nil {
		t.Fatalf("expected idle result, got %v %v", processed, err)
	}

	enqueue(t, q, "exec-1", "start")
	processed, err = w.TryProcessOne(context.Background(), time.Second)
	if !processed || err != nil {
		t.Fatalf("expected processed job, got %v %v", processed, err)
	}
}

func TestWorker_TryProcessOneAdvanceOutlivesWait(t *testing.T) {
	q := newQueue(3)
	rt := &fakeRuntime{advanceFn: func(ctx context.Context, _, _ string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(30 * time.Millisecond):
			return nil
		}
	}}
	w := New(rt, q, Config{WorkerID: "w1", Logger: logging.Discard()})
	enqueue(t, q, "exec-1", "send")

	processed, err := w.TryProcessOne(context.Background(), 5*time.Millisecond)
	if !processed || err != nil {
		t.Fatalf("advance must not be bounded by the claim wait, got %v %v", processed, err)
	}
	if n := queueLen(t, q); n != 0 {
		t.Fatalf("expected job acked, %d left", n)
	}
}
