package taskqueue

import (
	"context"
	"errors"
	"math"
	"time"
)

// Logical queue names.
const (
	QueueImmediate = "immediate"
	QueueDelayed   = "delayed"
)

var (
	// ErrJobNotFound is returned when a job id does not exist in the queue.
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost is returned by Ack, Fail and RenewLease when the caller no
	// longer holds the lease on the job.
	ErrLeaseLost = errors.New("job lease lost")
)

// Job is a queued request to advance one execution at one node.
type Job struct {
	ID          string
	Queue       string
	ExecutionID string
	NodeID      string

	// Attempts counts deliveries, including the current one once claimed.
	Attempts int

	// NotBefore is the earliest time this job is eligible for claiming.
	// Zero value means "immediately" (i.e., at enqueue time).
	NotBefore  time.Time
	EnqueuedAt time.Time

	LeaseOwner     string
	LeaseExpiresAt time.Time

	LastError string

	// DeadAt is set once the job has been moved to the dead-letter state.
	DeadAt time.Time
}

// Failure describes why a claimed job could not be completed.
type Failure struct {
	Retryable bool
	Err       error
}

func (f Failure) message() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// FailResult reports what Fail did with the job.
type FailResult struct {
	DeadLettered  bool
	NextAttemptAt time.Time
}

// Queue is a lease-based, at-least-once job queue.
type Queue interface {
	// Name returns the logical queue name.
	Name() string

	// Enqueue adds a job. An empty ID is filled in.
	Enqueue(ctx context.Context, j Job) (string, error)

	// Claim blocks until a job is eligible or ctx is done. The returned job is
	// invisible to other consumers until visibility elapses.
	Claim(ctx context.Context, owner string, visibility time.Duration) (*Job, error)

	// Ack permanently removes a claimed job.
	Ack(ctx context.Context, jobID, owner string) error

	// Fail reschedules the job with backoff or dead-letters it.
	Fail(ctx context.Context, jobID, owner string, f Failure) (FailResult, error)

	// RenewLease extends the visibility window of a claimed job.
	RenewLease(ctx context.Context, jobID, owner string, visibility time.Duration) error

	// DeadLetters lists dead-lettered jobs, oldest first.
	DeadLetters(ctx context.Context, limit int) ([]Job, error)

	// Redrive moves a dead-lettered job back to the ready state with a fresh
	// attempt budget and returns it.
	Redrive(ctx context.Context, jobID string) (*Job, error)

	// HasJob reports whether a job for (executionID, nodeID) is queued or
	// leased. Dead letters do not count.
	HasJob(ctx context.Context, executionID, nodeID string) (bool, error)

	// Len returns the number of jobs that are not dead-lettered.
	Len(ctx context.Context) (int, error)
}

// RetryPolicy controls backoff and dead-lettering for failed jobs.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is used when a queue is constructed with a zero policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	Multiplier:     2.0,
	MaxBackoff:     5 * time.Minute,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.Multiplier <= 0 {
		p.Multiplier = DefaultRetryPolicy.Multiplier
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	return p
}

// Backoff returns the delay before the next delivery after the given number
// of attempts (1-based): InitialBackoff * Multiplier^(attempts-1), capped at
// MaxBackoff when MaxBackoff > 0.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	p = p.withDefaults()
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempts-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// decide applies the policy to a job that failed after attempts deliveries.
func (p RetryPolicy) decide(attempts int, f Failure, now time.Time) FailResult {
	p = p.withDefaults()
	if !f.Retryable || attempts >= p.MaxAttempts {
		return FailResult{DeadLettered: true}
	}
	return FailResult{NextAttemptAt: now.Add(p.Backoff(attempts))}
}

// newPollTimer returns a stopped timer that can be Reset for idle polling
// without allocating a new timer on every iteration.
func newPollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return tmr
}

// waitPoll sleeps for d or until ctx is done.
func waitPoll(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
