package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abhogle/leadops-os-sub001/internal/engine"
	"github.com/abhogle/leadops-os-sub001/internal/logging"
	"github.com/abhogle/leadops-os-sub001/internal/taskqueue"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Runtime is the part of the engine a worker drives. *engine.Runtime
// implements it.
type Runtime interface {
	Advance(ctx context.Context, executionID, expectedNodeID string) error
	Abandon(ctx context.Context, executionID, nodeID string, cause error) error
}

// Config controls a Worker.
type Config struct {
	// WorkerID identifies lease ownership. Defaults to "<hostname>-<pid>".
	WorkerID string

	// Pollers is the number of concurrent claim loops Run starts. Default 4.
	Pollers int

	// Visibility is how long a claimed job stays invisible to other
	// consumers. Default 30s.
	Visibility time.Duration

	// HeartbeatInterval is how often a running job's lease is renewed.
	// Default Visibility/3. Negative disables heartbeats.
	HeartbeatInterval time.Duration

	// ErrorBackoff is the pause after a failed Claim. Default 1s.
	ErrorBackoff time.Duration

	Observer api.Observer
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Pollers <= 0 {
		c.Pollers = 4
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.Visibility / 3
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker consumes one queue and hands every job to the runtime. It makes no
// scheduling decisions of its own.
type Worker struct {
	runtime Runtime
	queue   taskqueue.Queue
	cfg     Config
	logger  *slog.Logger
}

// New creates a Worker for queue.
func New(rt Runtime, queue taskqueue.Queue, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		runtime: rt,
		queue:   queue,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("queue", queue.Name())),
	}
}

// Queue returns the queue the worker consumes.
func (w *Worker) Queue() taskqueue.Queue { return w.queue }

// ProcessOne claims a single job and advances its execution.
// Returns (processed, error):
//   - processed == false: no job was claimed; err is the Claim error,
//     usually ctx's.
//   - processed == true: a job was handled; err is the Advance error, if any.
//     The job has been acked, rescheduled or dead-lettered accordingly,
//     except on shutdown, when the lease is left to expire.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	return w.processOne(ctx, ctx)
}

// TryProcessOne is ProcessOne with the wait for a job bounded by wait. The
// claimed job is then handled under ctx. An empty queue is not an error.
func (w *Worker) TryProcessOne(ctx context.Context, wait time.Duration) (bool, error) {
	claimCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return w.processOne(ctx, claimCtx)
}

func (w *Worker) processOne(ctx, claimCtx context.Context) (bool, error) {
	job, err := w.queue.Claim(claimCtx, w.cfg.WorkerID, w.cfg.Visibility)
	if err != nil {
		if ctx.Err() == nil && claimCtx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	if job == nil {
		return false, nil
	}

	jctx := logging.WithJob(logging.WithExecution(ctx, job.ExecutionID, job.NodeID), job.ID, w.cfg.WorkerID)
	runCtx, cancelRun := context.WithCancel(jctx)
	stopHeartbeat := w.heartbeat(runCtx, cancelRun, job)

	advErr := w.runtime.Advance(engine.WithAttempt(runCtx, job.Attempts), job.ExecutionID, job.NodeID)

	lost := stopHeartbeat()
	cancelRun()

	// Settle the job even if ctx was cancelled after Advance returned.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(jctx), 10*time.Second)
	defer cancelSettle()

	if advErr == nil {
		if err := w.queue.Ack(settleCtx, job.ID, w.cfg.WorkerID); err != nil {
			if errors.Is(err, taskqueue.ErrLeaseLost) || errors.Is(err, taskqueue.ErrJobNotFound) {
				// Redelivery is absorbed by the current-node guard.
				w.logger.WarnContext(jctx, "ack_lease_lost", slog.Any("error", err))
				return true, nil
			}
			return true, fmt.Errorf("ack job %s: %w", job.ID, err)
		}
		return true, nil
	}

	if ctx.Err() != nil || lost {
		w.logger.InfoContext(jctx, "job_released", slog.Bool("lease_lost", lost), slog.Any("error", advErr))
		return true, advErr
	}

	res, err := w.queue.Fail(settleCtx, job.ID, w.cfg.WorkerID, taskqueue.Failure{
		Retryable: api.IsRetryable(advErr),
		Err:       advErr,
	})
	if err != nil {
		if errors.Is(err, taskqueue.ErrLeaseLost) || errors.Is(err, taskqueue.ErrJobNotFound) {
			w.logger.WarnContext(jctx, "fail_lease_lost", slog.Any("error", err))
			return true, advErr
		}
		return true, errors.Join(advErr, fmt.Errorf("fail job %s: %w", job.ID, err))
	}

	if res.DeadLettered {
		w.logger.ErrorContext(jctx, "job_dead_lettered",
			slog.Int("attempts", job.Attempts),
			slog.Any("error", advErr),
		)
		if err := w.runtime.Abandon(settleCtx, job.ExecutionID, job.NodeID, advErr); err != nil {
			w.logger.ErrorContext(jctx, "abandon_failed", slog.Any("error", err))
		}
		w.cfg.Observer.OnJobDeadLettered(jctx, w.queue.Name(), job.ExecutionID, job.NodeID, advErr)
	} else {
		w.logger.WarnContext(jctx, "job_retry_scheduled",
			slog.Int("attempts", job.Attempts),
			slog.Time("next_attempt_at", res.NextAttemptAt),
			slog.Any("error", advErr),
		)
	}
	return true, advErr
}

// heartbeat renews the job's lease until the returned stop function is
// called. Stop reports whether the lease was lost; in that case onLost has
// already been called.
func (w *Worker) heartbeat(ctx context.Context, onLost context.CancelFunc, job *taskqueue.Job) func() bool {
	if w.cfg.HeartbeatInterval < 0 {
		return func() bool { return false }
	}

	done := make(chan struct{})
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		lost bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				err := w.queue.RenewLease(ctx, job.ID, w.cfg.WorkerID, w.cfg.Visibility)
				if err == nil {
					continue
				}
				if errors.Is(err, taskqueue.ErrLeaseLost) || errors.Is(err, taskqueue.ErrJobNotFound) {
					w.logger.WarnContext(ctx, "lease_lost", slog.Any("error", err))
					mu.Lock()
					lost = true
					mu.Unlock()
					onLost()
					return
				}
				if ctx.Err() == nil {
					w.logger.WarnContext(ctx, "lease_renew_failed", slog.Any("error", err))
				}
			}
		}
	}()

	return func() bool {
		close(done)
		wg.Wait()
		mu.Lock()
		defer mu.Unlock()
		return lost
	}
}

// Run starts Config.Pollers claim loops and blocks until ctx is cancelled.
// Advance errors are logged and never stop a poller.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Pollers {
		g.Go(func() error {
			w.poll(ctx, i)
			return nil
		})
	}
	w.logger.InfoContext(ctx, "worker_started",
		slog.String(logging.AttrWorkerID, w.cfg.WorkerID),
		slog.Int("pollers", w.cfg.Pollers),
	)
	err := g.Wait()
	w.logger.Info("worker_stopped", slog.String(logging.AttrWorkerID, w.cfg.WorkerID))
	return err
}

func (w *Worker) poll(ctx context.Context, poller int) {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}
		if processed {
			// Already logged and settled by ProcessOne.
			continue
		}
		w.logger.ErrorContext(ctx, "claim_failed", slog.Int("poller", poller), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.ErrorBackoff):
		}
	}
}

// Pools are the two independent consumer pools, one per queue.
type Pools struct {
	Immediate *Worker
	Delayed   *Worker
}

// NewPools builds a worker for each queue with the same configuration.
func NewPools(rt Runtime, queues taskqueue.Queues, cfg Config) Pools {
	return Pools{
		Immediate: New(rt, queues.Immediate, cfg),
		Delayed:   New(rt, queues.Delayed, cfg),
	}
}

// Run runs both pools until ctx is cancelled.
func (p Pools) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Immediate.Run(ctx) })
	g.Go(func() error { return p.Delayed.Run(ctx) })
	return g.Wait()
}
