package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

// fakeClock is a manually advanced clock shared by a queue and its test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// QueueSuite runs the same behavioural checks against every backend.
type QueueSuite struct {
	suite.Suite

	// newQueue builds a queue with a fresh name on the backend under test.
	newQueue func(name string, opts Options) Queue

	clock *fakeClock
	queue Queue
	ctx   context.Context
}

func (s *QueueSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = newFakeClock()
	s.queue = s.newQueue("q-"+uuid.NewString()[:8], Options{
		Policy: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			Multiplier:     2,
			MaxBackoff:     time.Minute,
		},
		PollInterval: 5 * time.Millisecond,
		Now:          s.clock.Now,
	})
}

// claimNow claims without blocking for long; it returns nil when nothing is
// eligible at the current fake time.
func (s *QueueSuite) claimNow(owner string) *Job {
	ctx, cancel := context.WithTimeout(s.ctx, 60*time.Millisecond)
	defer cancel()
	job, err := s.queue.Claim(ctx, owner, 30*time.Second)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	s.Require().NoError(err)
	return job
}

func (s *QueueSuite) enqueue(execID, nodeID string, notBefore time.Time) string {
	id, err := s.queue.Enqueue(s.ctx, Job{ExecutionID: execID, NodeID: nodeID, NotBefore: notBefore})
	s.Require().NoError(err)
	s.Require().NotEmpty(id)
	return id
}

func (s *QueueSuite) TestClaimOrderAndAck() {
	first := s.enqueue("exec-1", "start", time.Time{})
	s.clock.Advance(time.Millisecond)
	second := s.enqueue("exec-2", "start", time.Time{})

	n, err := s.queue.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	got1 := s.claimNow("w1")
	s.Require().NotNil(got1)
	s.Equal(first, got1.ID)
	s.Equal("exec-1", got1.ExecutionID)
	s.Equal("start", got1.NodeID)
	s.Equal(1, got1.Attempts)

	got2 := s.claimNow("w1")
	s.Require().NotNil(got2)
	s.Equal(second, got2.ID)

	s.Require().NoError(s.queue.Ack(s.ctx, got1.ID, "w1"))
	s.Require().NoError(s.queue.Ack(s.ctx, got2.ID, "w1"))

	n, err = s.queue.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n)
	s.Nil(s.claimNow("w1"))
}

func (s *QueueSuite) TestDelayedJobInvisibleUntilNotBefore() {
	s.enqueue("exec-1", "after-delay", s.clock.Now().Add(time.Hour))

	s.Nil(s.claimNow("w1"), "job must stay invisible before not-before")

	s.clock.Advance(time.Hour)
	job := s.claimNow("w1")
	s.Require().NotNil(job)
	s.Equal("after-delay", job.NodeID)
}

func (s *QueueSuite) TestClaimedJobHiddenUntilVisibilityExpires() {
	s.enqueue("exec-1", "send", time.Time{})

	job := s.claimNow("w1")
	s.Require().NotNil(job)
	s.Nil(s.claimNow("w2"), "leased job must not be handed to a second worker")

	s.clock.Advance(31 * time.Second)
	again := s.claimNow("w2")
	s.Require().NotNil(again)
	s.Equal(job.ID, again.ID)
	s.Equal(2, again.Attempts)

	err := s.queue.Ack(s.ctx, job.ID, "w1")
	s.ErrorIs(err, ErrLeaseLost)
	s.Require().NoError(s.queue.Ack(s.ctx, again.ID, "w2"))
}

func (s *QueueSuite) TestRenewLeaseKeepsJobHidden() {
	s.enqueue("exec-1", "send", time.Time{})
	job := s.claimNow("w1")
	s.Require().NotNil(job)

	s.clock.Advance(20 * time.Second)
	s.Require().NoError(s.queue.RenewLease(s.ctx, job.ID, "w1", 30*time.Second))
	s.clock.Advance(20 * time.Second)
	s.Nil(s.claimNow("w2"))

	s.ErrorIs(s.queue.RenewLease(s.ctx, job.ID, "w2", time.Minute), ErrLeaseLost)
}

func (s *QueueSuite) TestRetryableFailureBacksOffThenDeadLetters() {
	id := s.enqueue("exec-1", "send", time.Time{})

	job := s.claimNow("w1")
	s.Require().NotNil(job)
	res, err := s.queue.Fail(s.ctx, job.ID, "w1", Failure{Retryable: true, Err: errors.New("provider timeout")})
	s.Require().NoError(err)
	s.False(res.DeadLettered)
	s.Equal(s.clock.Now().Add(time.Second).UnixMilli(), res.NextAttemptAt.UnixMilli())

	s.Nil(s.claimNow("w1"), "job must wait for its backoff")
	s.clock.Advance(time.Second)

	job = s.claimNow("w1")
	s.Require().NotNil(job)
	s.Equal(2, job.Attempts)
	res, err = s.queue.Fail(s.ctx, job.ID, "w1", Failure{Retryable: true, Err: errors.New("provider timeout")})
	s.Require().NoError(err)
	s.False(res.DeadLettered)
	s.Equal(s.clock.Now().Add(2*time.Second).UnixMilli(), res.NextAttemptAt.UnixMilli())

	s.clock.Advance(2 * time.Second)
	job = s.claimNow("w1")
	s.Require().NotNil(job)
	s.Equal(3, job.Attempts)
	res, err = s.queue.Fail(s.ctx, job.ID, "w1", Failure{Retryable: true, Err: errors.New("provider timeout")})
	s.Require().NoError(err)
	s.True(res.DeadLettered)

	s.clock.Advance(time.Hour)
	s.Nil(s.claimNow("w1"), "dead-lettered job must not be delivered")

	dead, err := s.queue.DeadLetters(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(dead, 1)
	s.Equal(id, dead[0].ID)
	s.Equal("exec-1", dead[0].ExecutionID)
	s.Equal("provider timeout", dead[0].LastError)
	s.False(dead[0].DeadAt.IsZero())

	n, err := s.queue.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n)
}

func (s *QueueSuite) TestFatalFailureDeadLettersImmediately() {
	s.enqueue("exec-1", "branch", time.Time{})
	job := s.claimNow("w1")
	s.Require().NotNil(job)

	res, err := s.queue.Fail(s.ctx, job.ID, "w1", Failure{Retryable: false, Err: errors.New("no edge for branch")})
	s.Require().NoError(err)
	s.True(res.DeadLettered)

	dead, err := s.queue.DeadLetters(s.ctx, 0)
	s.Require().NoError(err)
	s.Len(dead, 1)
}

func (s *QueueSuite) TestRedriveMakesDeadLetterClaimableAgain() {
	s.enqueue("exec-1", "send", time.Time{})
	job := s.claimNow("w1")
	s.Require().NotNil(job)
	_, err := s.queue.Fail(s.ctx, job.ID, "w1", Failure{Err: errors.New("boom")})
	s.Require().NoError(err)

	redriven, err := s.queue.Redrive(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(job.ID, redriven.ID)
	s.Equal("exec-1", redriven.ExecutionID)
	s.Equal("send", redriven.NodeID)
	_, err = s.queue.Redrive(s.ctx, job.ID)
	s.ErrorIs(err, ErrJobNotFound)

	again := s.claimNow("w1")
	s.Require().NotNil(again)
	s.Equal(job.ID, again.ID)
	s.Equal(1, again.Attempts)
}

func (s *QueueSuite) TestLeaseEndsAtExpiryInstant() {
	s.enqueue("exec-1", "send", time.Time{})
	job := s.claimNow("w1")
	s.Require().NotNil(job)

	s.clock.Advance(30 * time.Second)
	s.ErrorIs(s.queue.Ack(s.ctx, job.ID, "w1"), ErrLeaseLost)
	_, err := s.queue.Fail(s.ctx, job.ID, "w1", Failure{Retryable: true, Err: errors.New("late")})
	s.ErrorIs(err, ErrLeaseLost)
	s.ErrorIs(s.queue.RenewLease(s.ctx, job.ID, "w1", time.Minute), ErrLeaseLost)

	again := s.claimNow("w2")
	s.Require().NotNil(again)
	s.Equal(job.ID, again.ID)
	s.Require().NoError(s.queue.Ack(s.ctx, again.ID, "w2"))
}

func (s *QueueSuite) TestHasJobTracksLiveJobs() {
	has := func(execID, nodeID string) bool {
		ok, err := s.queue.HasJob(s.ctx, execID, nodeID)
		s.Require().NoError(err)
		return ok
	}

	s.False(has("exec-1", "send"))
	s.enqueue("exec-1", "send", time.Time{})
	s.True(has("exec-1", "send"))
	s.False(has("exec-1", "other"))
	s.False(has("exec-2", "send"))

	job := s.claimNow("w1")
	s.Require().NotNil(job)
	s.True(has("exec-1", "send"), "a leased job is still live")

	_, err := s.queue.Fail(s.ctx, job.ID, "w1", Failure{Err: errors.New("rejected")})
	s.Require().NoError(err)
	s.False(has("exec-1", "send"), "dead letters are not live")

	_, err = s.queue.Redrive(s.ctx, job.ID)
	s.Require().NoError(err)
	s.True(has("exec-1", "send"))

	job = s.claimNow("w1")
	s.Require().NotNil(job)
	s.Require().NoError(s.queue.Ack(s.ctx, job.ID, "w1"))
	s.False(has("exec-1", "send"))
}

func (s *QueueSuite) TestClaimHonoursContextCancellation() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() {
		_, err := s.queue.Claim(ctx, "w1", time.Second)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		s.Fail("Claim did not return after cancellation")
	}
}
