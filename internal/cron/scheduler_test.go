package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		spec string
		want time.Time
	}{
		{"@every 5m", base.Add(5 * time.Minute)},
		{"@hourly", base.Add(time.Hour)},
		{"*/15 * * * *", base.Add(15 * time.Minute)},
		{"30 * * * * *", base.Add(30 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			sched, err := ParseSchedule(tt.spec)
			if err != nil {
				t.Fatalf("ParseSchedule() error = %v", err)
			}
			if got := sched.Next(base); !got.Equal(tt.want) {
				t.Fatalf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	for _, spec := range []string{"", "  ", "not a schedule", "@every banana"} {
		if _, err := ParseSchedule(spec); err == nil {
			t.Errorf("ParseSchedule(%q) expected error", spec)
		}
	}
	if got := (Schedule{}).Next(time.Now()); !got.IsZero() {
		t.Errorf("zero schedule Next() = %v, want zero", got)
	}
}

func TestSchedulerAdd(t *testing.T) {
	s := NewScheduler()
	noop := func(context.Context) error { return nil }

	if err := s.Add("sweep", "@every 1m", noop); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add("sweep", "@every 1m", noop); err == nil {
		t.Error("expected duplicate name error")
	}
	if err := s.Add("", "@every 1m", noop); err == nil {
		t.Error("expected missing name error")
	}
	if err := s.Add("bad", "nope", noop); err == nil {
		t.Error("expected schedule error")
	}
	if err := s.Add("nil", "@every 1m", nil); err == nil {
		t.Error("expected nil func error")
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0].Name != "sweep" {
		t.Fatalf("Jobs() = %+v", jobs)
	}
}

func TestRunOnceRunsDueJobs(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewScheduler(WithNow(clock.Now))

	var runs atomic.Int32
	if err := s.Add("sweep", "@every 5m", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce() before due = %d, want 0", n)
	}

	clock.Advance(5 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() when due = %d, want 1", n)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}

	job := s.Jobs()[0]
	if job.Runs != 1 || !job.LastRun.Equal(clock.Now()) {
		t.Fatalf("job = %+v", job)
	}
	if want := clock.Now().Add(5 * time.Minute); !job.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", job.NextRun, want)
	}
}

func TestRunOnceRecordsFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewScheduler(WithNow(clock.Now))

	_ = s.Add("fails", "@every 1m", func(context.Context) error { return errors.New("boom") })
	_ = s.Add("panics", "@every 1m", func(context.Context) error { panic("bad job") })

	clock.Advance(time.Minute)
	if n := s.RunOnce(context.Background()); n != 2 {
		t.Fatalf("RunOnce() = %d, want 2", n)
	}
	for _, job := range s.Jobs() {
		if job.LastError == "" {
			t.Errorf("job %s has no recorded error", job.Name)
		}
		if job.NextRun.IsZero() {
			t.Errorf("job %s should be rescheduled after failure", job.Name)
		}
	}
}

func TestStartAndStop(t *testing.T) {
	s := NewScheduler(WithTickInterval(5 * time.Millisecond))

	ran := make(chan struct{}, 1)
	if err := s.Add("tick", "@every 1s", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
