package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	systemN   int32
	agentN    int32
	fail      bool
	onDispatch func()
}

func (f *fakeDispatcher) DispatchSystemEvent(ctx context.Context, job core.Job) error {
	atomic.AddInt32(&f.systemN, 1)
	if f.onDispatch != nil {
		f.onDispatch()
	}
	if f.fail {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeDispatcher) DispatchAgentTurn(ctx context.Context, job core.Job) error {
	atomic.AddInt32(&f.agentN, 1)
	if f.onDispatch != nil {
		f.onDispatch()
	}
	return nil
}

func TestRunDueExecutesDueSystemEventJob(t *testing.T) {
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	disp := &fakeDispatcher{}
	s := New(disp, nil, func() time.Time { return base })

	job := core.Job{
		ID:       "j1",
		Enabled:  true,
		Schedule: core.Schedule{Kind: core.ScheduleEvery, Every: time.Minute},
		Payload:  core.JobPayload{Kind: core.PayloadSystemEvent},
	}
	if err := s.AddJob(job); err != nil {
		t.Fatalf("add job: %v", err)
	}
	// force due now
	s.mu.Lock()
	s.jobs["j1"].State.NextRunAt = base
	s.mu.Unlock()

	n := s.RunDue(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 job run, got %d", n)
	}
	if atomic.LoadInt32(&disp.systemN) != 1 {
		t.Fatalf("expected system event dispatched once, got %d", disp.systemN)
	}

	got := s.Jobs()[0]
	if got.State.LastStatus != core.RunOK {
		t.Fatalf("expected RunOK, got %s", got.State.LastStatus)
	}
	if !got.State.NextRunAt.After(base) {
		t.Fatalf("expected next run recomputed forward, got %v", got.State.NextRunAt)
	}
}

func TestRunDueSkipsAlreadyRunningJob(t *testing.T) {
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	release := make(chan struct{})
	disp := &fakeDispatcher{onDispatch: func() { <-release }}
	s := New(disp, nil, func() time.Time { return base })

	job := core.Job{
		ID:       "j1",
		Enabled:  true,
		Schedule: core.Schedule{Kind: core.ScheduleEvery, Every: time.Minute},
		Payload:  core.JobPayload{Kind: core.PayloadSystemEvent},
	}
	s.AddJob(job)
	s.mu.Lock()
	s.jobs["j1"].State.NextRunAt = base
	s.mu.Unlock()

	go s.RunDue(context.Background())
	// Give the first run time to mark itself as running.
	time.Sleep(20 * time.Millisecond)

	n := s.RunDue(context.Background())
	if n != 0 {
		t.Fatalf("expected second RunDue to skip the in-flight job, got %d", n)
	}
	close(release)
	time.Sleep(20 * time.Millisecond)
}

func TestRunDueFailureSetsLastStatus(t *testing.T) {
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	disp := &fakeDispatcher{fail: true}
	s := New(disp, nil, func() time.Time { return base })

	job := core.Job{
		ID:       "j1",
		Enabled:  true,
		Schedule: core.Schedule{Kind: core.ScheduleEvery, Every: time.Minute},
		Payload:  core.JobPayload{Kind: core.PayloadSystemEvent},
	}
	s.AddJob(job)
	s.mu.Lock()
	s.jobs["j1"].State.NextRunAt = base
	s.mu.Unlock()

	s.RunDue(context.Background())
	got := s.Jobs()[0]
	if got.State.LastStatus != core.RunFailed || got.State.LastError == "" {
		t.Fatalf("expected failed status with error, got %+v", got.State)
	}
}

func TestAtJobDeletedAfterRunWhenConfigured(t *testing.T) {
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	disp := &fakeDispatcher{}
	s := New(disp, nil, func() time.Time { return base })

	job := core.Job{
		ID:             "once",
		Enabled:        true,
		Schedule:       core.Schedule{Kind: core.ScheduleAt, At: base},
		Payload:        core.JobPayload{Kind: core.PayloadSystemEvent},
		DeleteAfterRun: true,
	}
	s.AddJob(job)
	s.mu.Lock()
	s.jobs["once"].State.NextRunAt = base
	s.mu.Unlock()

	s.RunDue(context.Background())
	if len(s.Jobs()) != 0 {
		t.Fatalf("expected job removed after its single run, got %v", s.Jobs())
	}
}

func TestAtJobDisabledAfterRunWithoutDeleteAfterRun(t *testing.T) {
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	disp := &fakeDispatcher{}
	s := New(disp, nil, func() time.Time { return base })

	job := core.Job{
		ID:       "once",
		Enabled:  true,
		Schedule: core.Schedule{Kind: core.ScheduleAt, At: base},
		Payload:  core.JobPayload{Kind: core.PayloadSystemEvent},
	}
	s.AddJob(job)
	s.mu.Lock()
	s.jobs["once"].State.NextRunAt = base
	s.mu.Unlock()

	s.RunDue(context.Background())
	got := s.Jobs()[0]
	if got.Enabled {
		t.Fatal("expected job disabled after its single run")
	}
}

func TestMissedTicksNotBackfilled(t *testing.T) {
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	disp := &fakeDispatcher{}
	s := New(disp, nil, func() time.Time { return base })

	job := core.Job{
		ID:       "j1",
		Enabled:  true,
		Schedule: core.Schedule{Kind: core.ScheduleEvery, Every: time.Minute},
		Payload:  core.JobPayload{Kind: core.PayloadSystemEvent},
	}
	s.AddJob(job)
	// Simulate the scheduler having been down for an hour past NextRunAt.
	s.mu.Lock()
	s.jobs["j1"].State.NextRunAt = base.Add(-time.Hour)
	s.mu.Unlock()

	n := s.RunDue(context.Background())
	if n != 1 {
		t.Fatalf("expected exactly one catch-up run, not one per missed minute, got %d", n)
	}
	if atomic.LoadInt32(&disp.systemN) != 1 {
		t.Fatalf("expected dispatcher invoked exactly once, got %d", disp.systemN)
	}
}
