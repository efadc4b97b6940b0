package leadflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/abhogle/leadops-os-sub001/pkg/worker"
)

// LocalRunner bundles an in-memory runtime, queues and worker pools into a
// process-local helper for development and tests.
//
// Typical usage:
//
//	runner, _ := leadflow.NewLocalRunner(leadflow.Options{Actions: myActions})
//	def := leadflow.NewDefinition("follow-up", "Follow up").Start("start")...MustBuild()
//	_, _ = runner.Runtime.SaveDefinition(ctx, def)
//
//	// Step the queues by hand:
//	id, _ := runner.Runtime.StartWorkflow(ctx, "follow-up", "lead-42", nil)
//	runner.Drain(ctx)
//
//	// Or run the pools in the background:
//	_ = runner.StartWorkers(ctx)
//	...
//	runner.Stop()
//
// LocalRunner is not crash-durable.
type LocalRunner struct {
	*Bundle

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// NewLocalRunner constructs a LocalRunner over an in-memory bundle.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	b, err := NewInMemoryBundle(opts)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Bundle: b}, nil
}

// StartWorkers runs the worker pools in the background until Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("leadflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)
	r.running = true

	done := r.done
	go func() { done <- r.Pools.Run(ctx) }()
	return nil
}

// Stop cancels the pools started by StartWorkers and waits for them to exit.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	return <-done
}

// drainClaimWait bounds how long Drain waits for a job before deciding a
// queue is idle.
const drainClaimWait = 20 * time.Millisecond

// Drain processes jobs on the calling goroutine until neither queue has an
// eligible job, and returns how many it handled. Delayed jobs whose time has
// not come stay queued. Drain must not be used while StartWorkers is
// running.
func (r *LocalRunner) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.drainRound(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (r *LocalRunner) drainRound(ctx context.Context) (int, error) {
	n := 0
	for _, w := range []*worker.Worker{r.Pools.Immediate, r.Pools.Delayed} {
		for {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			processed, _ := w.TryProcessOne(ctx, drainClaimWait)
			if !processed {
				break
			}
			n++
		}
	}
	return n, nil
}
