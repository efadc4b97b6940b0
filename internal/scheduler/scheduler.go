// Package scheduler runs cron-driven work next to the worker pools: workflow
// triggers that start executions and the periodic recovery sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/abhogle/leadops-os-sub001/internal/config"
)

// Starter starts executions. *engine.Runtime satisfies it.
type Starter interface {
	StartWorkflow(ctx context.Context, definitionID, subjectRef string, initial map[string]any) (string, error)
}

// Recoverer re-enqueues executions whose jobs were lost. *engine.Runtime
// satisfies it.
type Recoverer interface {
	Recover(ctx context.Context, olderThan time.Duration) (int, error)
}

// Func is the body of a scheduled entry.
type Func func(ctx context.Context, now time.Time) error

type entry struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      Func
	next     time.Time
}

// Options tune a Scheduler.
type Options struct {
	// Tick is how often due entries are checked. Default 1s.
	Tick time.Duration
	Now  func() time.Time
}

// Scheduler fires registered entries when their cron schedule is due.
// Entries run one after another on the scheduler goroutine.
type Scheduler struct {
	parser cron.Parser
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries []*entry
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an empty Scheduler.
func New(logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger: logger.With(slog.String("component", "scheduler")),
		tick:   opts.Tick,
		now:    opts.Now,
	}
}

// Add registers fn under name. The first run is the schedule's next
// activation after now, or now itself when runAtStart is set.
func (s *Scheduler) Add(name, spec string, runAtStart bool, fn Func) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}
	now := s.now().UTC()
	e := &entry{name: name, spec: spec, schedule: schedule, run: fn, next: schedule.Next(now)}
	if runAtStart {
		e.next = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.name == name {
			return fmt.Errorf("scheduled entry %q already registered", name)
		}
	}
	s.entries = append(s.entries, e)
	return nil
}

// AddTrigger registers a trigger that starts one execution of its
// definition per activation.
func (s *Scheduler) AddTrigger(t config.Trigger, starter Starter) error {
	return s.Add("trigger:"+t.Name, t.Schedule, false, func(ctx context.Context, now time.Time) error {
		subject := t.SubjectRef
		if subject == "" {
			subject = t.Name + "@" + now.Format(time.RFC3339)
		}
		initial := maps.Clone(t.Context)
		if initial == nil {
			initial = map[string]any{}
		}
		initial["triggered_by"] = t.Name
		initial["triggered_at"] = now.Format(time.RFC3339)

		id, err := starter.StartWorkflow(ctx, t.DefinitionID, subject, initial)
		if err != nil {
			return fmt.Errorf("start %s: %w", t.DefinitionID, err)
		}
		s.logger.InfoContext(ctx, "trigger_fired",
			slog.String("trigger", t.Name),
			slog.String("execution_id", id),
		)
		return nil
	})
}

// AddRecovery registers the recovery sweep. It also runs once at start so
// that jobs lost during a crash are picked up without waiting a period.
func (s *Scheduler) AddRecovery(spec string, olderThan time.Duration, r Recoverer) error {
	return s.Add("recovery", spec, true, func(ctx context.Context, _ time.Time) error {
		n, err := r.Recover(ctx, olderThan)
		if n > 0 {
			s.logger.InfoContext(ctx, "recovery_sweep", slog.Int("recovered", n))
		}
		return err
	})
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	n := len(s.entries)
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("scheduler_started", slog.Int("entries", n))
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue runs every entry whose next activation is not after now and
// returns how many ran.
func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			// Missed activations collapse into this one.
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if err := e.run(ctx, now); err != nil {
			s.logger.ErrorContext(ctx, "scheduled_run_failed",
				slog.String("entry", e.name),
				slog.Any("error", err),
			)
		}
	}
	return len(due)
}

// NextRun reports when the named entry fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.name == name {
			return e.next, true
		}
	}
	return time.Time{}, false
}

// CalculateNextRun computes the next activation of a cron expression.
func (s *Scheduler) CalculateNextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return schedule.Next(from), nil
}

// Stop halts the loop and waits for the entry in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler_stopped")
}
