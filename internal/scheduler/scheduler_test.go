package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhogle/leadops-os-sub001/internal/config"
	"github.com/abhogle/leadops-os-sub001/internal/logging"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type startCall struct {
	definitionID string
	subjectRef   string
	initial      map[string]any
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (f *fakeStarter) StartWorkflow(_ context.Context, definitionID, subjectRef string, initial map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{definitionID, subjectRef, initial})
	return "exec-1", f.err
}

type fakeRecoverer struct {
	mu        sync.Mutex
	olderThan []time.Duration
}

func (f *fakeRecoverer) Recover(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.olderThan = append(f.olderThan, olderThan)
	return 2, nil
}

func (f *fakeRecoverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.olderThan)
}

var monday = time.Date(2026, 3, 2, 2, 59, 30, 0, time.UTC)

func newTestScheduler(c *clock) *Scheduler {
	return New(logging.Discard(), Options{Tick: time.Millisecond, Now: c.Now})
}

func TestAddTrigger_FiresWhenDue(t *testing.T) {
	c := &clock{now: monday}
	s := newTestScheduler(c)
	starter := &fakeStarter{}

	require.NoError(t, s.AddTrigger(config.Trigger{
		Name:         "nightly",
		Schedule:     "0 3 * * *",
		DefinitionID: "re-engage",
		Context:      map[string]any{"segment": "cold"},
	}, starter))

	assert.Equal(t, 0, s.runDue(context.Background()), "not due before 03:00")

	c.Set(monday.Add(30 * time.Second))
	assert.Equal(t, 1, s.runDue(context.Background()))
	assert.Equal(t, 0, s.runDue(context.Background()), "fires once per activation")

	require.Len(t, starter.calls, 1)
	call := starter.calls[0]
	assert.Equal(t, "re-engage", call.definitionID)
	assert.Equal(t, "nightly@2026-03-02T03:00:00Z", call.subjectRef)
	assert.Equal(t, "cold", call.initial["segment"])
	assert.Equal(t, "nightly", call.initial["triggered_by"])

	next, ok := s.NextRun("trigger:nightly")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC), next)
}

func TestAddTrigger_DoesNotMutateConfiguredContext(t *testing.T) {
	c := &clock{now: monday}
	s := newTestScheduler(c)
	trigger := config.Trigger{Name: "t", Schedule: "@every 1m", DefinitionID: "d", SubjectRef: "batch",
		Context: map[string]any{"k": "v"}}
	starter := &fakeStarter{}
	require.NoError(t, s.AddTrigger(trigger, starter))

	c.Set(monday.Add(time.Minute))
	s.runDue(context.Background())

	assert.Equal(t, map[string]any{"k": "v"}, trigger.Context)
	require.Len(t, starter.calls, 1)
	assert.Equal(t, "batch", starter.calls[0].subjectRef)
}

func TestMissedActivationsCollapse(t *testing.T) {
	c := &clock{now: monday}
	s := newTestScheduler(c)
	starter := &fakeStarter{}
	require.NoError(t, s.AddTrigger(config.Trigger{Name: "t", Schedule: "@every 1m", DefinitionID: "d"}, starter))

	c.Set(monday.Add(10 * time.Minute))
	assert.Equal(t, 1, s.runDue(context.Background()))
	assert.Len(t, starter.calls, 1)
}

func TestFailingEntryDoesNotBlockOthers(t *testing.T) {
	c := &clock{now: monday}
	s := newTestScheduler(c)
	starter := &fakeStarter{err: errors.New("definition not found")}
	rec := &fakeRecoverer{}

	require.NoError(t, s.AddTrigger(config.Trigger{Name: "t", Schedule: "@every 1m", DefinitionID: "d"}, starter))
	require.NoError(t, s.AddRecovery("@every 1m", 5*time.Minute, rec))

	assert.Equal(t, 1, s.runDue(context.Background()), "recovery runs at start")

	c.Set(monday.Add(time.Minute))
	assert.Equal(t, 2, s.runDue(context.Background()))
	assert.Equal(t, 2, rec.count())
	assert.Len(t, starter.calls, 1)
}

func TestAdd_Errors(t *testing.T) {
	s := newTestScheduler(&clock{now: monday})
	noop := func(context.Context, time.Time) error { return nil }

	assert.Error(t, s.Add("bad", "not a cron", false, noop))
	require.NoError(t, s.Add("dup", "@hourly", false, noop))
	assert.Error(t, s.Add("dup", "@daily", false, noop))
}

func TestCalculateNextRun(t *testing.T) {
	s := newTestScheduler(&clock{now: monday})

	next, err := s.CalculateNextRun("*/15 * * * *", monday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("61 * * * *", monday)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s := New(logging.Discard(), Options{Tick: time.Millisecond})
	rec := &fakeRecoverer{}
	require.NoError(t, s.AddRecovery("@hourly", time.Minute, rec))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()
	assert.Equal(t, 1, rec.count())
}
