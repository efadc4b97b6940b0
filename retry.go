package leadflow

import "time"

// RetryBuilder assembles the RetryPolicy applied by the job queues when an
// Advance fails with a retryable error:
//
//	policy := leadflow.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy()
//	bundle, err := leadflow.NewSQLiteBundle(ctx, db, leadflow.Options{Policy: policy})
//
// Builders are values; every method returns a modified copy.
type RetryBuilder struct {
	p RetryPolicy
}

// Retry starts a policy allowing maxAttempts deliveries of a job, the first
// one included, before it is dead-lettered. Values below 1 mean a single
// delivery.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{p: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// WithExponentialBackoff waits initial before the first retry and multiplies
// the wait by multiplier (2 when not positive) for each later one, capped at
// maxDelay when positive.
func (b RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, maxDelay time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	b.p.InitialBackoff, b.p.Multiplier, b.p.MaxBackoff = initial, multiplier, maxDelay
	return b
}

// WithConstantBackoff waits delay before every retry.
func (b RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	b.p.InitialBackoff, b.p.Multiplier, b.p.MaxBackoff = delay, 1, 0
	return b
}

// Immediate makes a failed job claimable again right away.
func (b RetryBuilder) Immediate() RetryBuilder {
	return b.WithConstantBackoff(0)
}

// Policy returns the assembled policy.
func (b RetryBuilder) Policy() RetryPolicy {
	return b.p
}

// Schedule lists the wait before each retry the policy allows, which is
// handy when choosing values for an action with a slow upstream.
func (b RetryBuilder) Schedule() []time.Duration {
	waits := make([]time.Duration, 0, max(b.p.MaxAttempts-1, 0))
	for attempt := 1; attempt < b.p.MaxAttempts; attempt++ {
		waits = append(waits, b.p.Backoff(attempt))
	}
	return waits
}
