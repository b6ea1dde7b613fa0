package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// JobFunc is the work a job performs on each activation.
type JobFunc func(ctx context.Context) error

// Job is a named recurring task and its run history.
type Job struct {
	Name      string
	Schedule  Schedule
	NextRun   time.Time
	LastRun   time.Time
	LastError string
	Runs      int

	run JobFunc
}

// Scheduler runs registered jobs when they come due.
type Scheduler struct {
	jobs         []*Job
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides how often due jobs are checked.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler creates an empty scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	scheduler := &Scheduler{
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(scheduler)
	}
	return scheduler
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(name, spec string, run JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if run == nil {
		return fmt.Errorf("job %s: run func required", name)
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	s.jobs = append(s.jobs, &Job{
		Name:     name,
		Schedule: schedule,
		NextRun:  schedule.Next(s.now()),
		run:      run,
	})
	return nil
}

// Start runs due jobs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the run loop to exit after its context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due jobs immediately.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

// Jobs returns a snapshot of registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copyJob := *job
		copyJob.run = nil
		out = append(out, copyJob)
	}
	return out
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	count := 0
	for _, job := range jobs {
		s.mu.Lock()
		if job.NextRun.IsZero() || now.Before(job.NextRun) {
			s.mu.Unlock()
			continue
		}
		job.LastRun = now
		run := job.run
		name := job.Name
		s.mu.Unlock()

		err := s.execute(ctx, name, run)
		if err != nil {
			s.logger.Warn("cron job failed", "job", name, "error", err)
		}

		s.mu.Lock()
		job.Runs++
		if err != nil {
			job.LastError = err.Error()
		} else {
			job.LastError = ""
		}
		job.NextRun = job.Schedule.Next(now)
		s.mu.Unlock()
		count++
	}
	return count
}

func (s *Scheduler) execute(ctx context.Context, name string, run JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
	}()
	return run(ctx)
}
