package taskqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept entirely in process memory. It honours leases,
// backoff and dead-lettering like the durable backends but loses its content
// on restart. It is safe for concurrent use.
type InMemoryQueue struct {
	name string
	opts Options

	mu     sync.Mutex
	jobs   map[string]*memJob
	seq    int64
	notify chan struct{}
}

type memJob struct {
	job Job
	seq int64
}

// NewInMemoryQueue creates an empty queue with the given logical name.
func NewInMemoryQueue(name string, opts Options) *InMemoryQueue {
	return &InMemoryQueue{
		name:   name,
		opts:   opts.withDefaults(10 * time.Millisecond),
		jobs:   make(map[string]*memJob),
		notify: make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Name() string { return q.name }

// wake releases every Claim currently waiting. Caller must hold q.mu.
func (q *InMemoryQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := q.opts.Now()
	if j.ID == "" {
		j.ID = newJobID()
	}
	j.Queue = q.name
	j.EnqueuedAt = now
	if j.NotBefore.IsZero() {
		j.NotBefore = now
	}
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.jobs[j.ID]; exists {
		return "", errors.New("job " + j.ID + " already exists")
	}
	q.seq++
	q.jobs[j.ID] = &memJob{job: j, seq: q.seq}
	q.wake()
	return j.ID, nil
}

func (q *InMemoryQueue) eligible(m *memJob, now time.Time) bool {
	if !m.job.DeadAt.IsZero() || m.job.NotBefore.After(now) {
		return false
	}
	return m.job.LeaseOwner == "" || !m.job.LeaseExpiresAt.After(now)
}

func (q *InMemoryQueue) Claim(ctx context.Context, owner string, visibility time.Duration) (*Job, error) {
	if visibility <= 0 {
		return nil, errors.New("visibility must be > 0")
	}
	tmr := newPollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		now := q.opts.Now()
		var best *memJob
		for _, m := range q.jobs {
			if !q.eligible(m, now) {
				continue
			}
			if best == nil || m.job.NotBefore.Before(best.job.NotBefore) ||
				(m.job.NotBefore.Equal(best.job.NotBefore) && m.seq < best.seq) {
				best = m
			}
		}
		if best != nil {
			best.job.Attempts++
			best.job.LeaseOwner = owner
			best.job.LeaseExpiresAt = now.Add(visibility)
			out := best.job
			q.mu.Unlock()
			return &out, nil
		}
		wait := q.notify
		q.mu.Unlock()

		tmr.Reset(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
			if !tmr.Stop() {
				select {
				case <-tmr.C:
				default:
				}
			}
		case <-tmr.C:
		}
	}
}

// leased returns the job if owner currently holds its lease. Caller must hold q.mu.
func (q *InMemoryQueue) leased(jobID, owner string) (*memJob, error) {
	m, ok := q.jobs[jobID]
	if !ok || !m.job.DeadAt.IsZero() {
		return nil, ErrJobNotFound
	}
	if m.job.LeaseOwner != owner || !m.job.LeaseExpiresAt.After(q.opts.Now()) {
		return nil, ErrLeaseLost
	}
	return m, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, jobID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.leased(jobID, owner); err != nil {
		return err
	}
	delete(q.jobs, jobID)
	return nil
}

func (q *InMemoryQueue) Fail(ctx context.Context, jobID, owner string, f Failure) (FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.leased(jobID, owner)
	if err != nil {
		return FailResult{}, err
	}
	now := q.opts.Now()
	res := q.opts.Policy.decide(m.job.Attempts, f, now)
	m.job.LastError = f.message()
	m.job.LeaseOwner = ""
	m.job.LeaseExpiresAt = time.Time{}
	if res.DeadLettered {
		m.job.DeadAt = now
		return res, nil
	}
	m.job.NotBefore = res.NextAttemptAt
	q.wake()
	return res, nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, jobID, owner string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.leased(jobID, owner)
	if err != nil {
		return err
	}
	m.job.LeaseExpiresAt = q.opts.Now().Add(visibility)
	return nil
}

func (q *InMemoryQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, m := range q.jobs {
		if !m.job.DeadAt.IsZero() {
			out = append(out, m.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadAt.Before(out[j].DeadAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *InMemoryQueue) Redrive(ctx context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.jobs[jobID]
	if !ok || m.job.DeadAt.IsZero() {
		return nil, ErrJobNotFound
	}
	m.job.DeadAt = time.Time{}
	m.job.Attempts = 0
	m.job.NotBefore = q.opts.Now()
	q.wake()
	out := m.job
	return &out, nil
}

func (q *InMemoryQueue) HasJob(ctx context.Context, executionID, nodeID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.jobs {
		if m.job.DeadAt.IsZero() && m.job.ExecutionID == executionID && m.job.NodeID == nodeID {
			return true, nil
		}
	}
	return false, nil
}

func (q *InMemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.jobs {
		if m.job.DeadAt.IsZero() {
			n++
		}
	}
	return n, nil
}
