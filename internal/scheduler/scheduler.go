// Package scheduler drives Job execution off "at"/"every"/"cron" schedules:
// a single tick loop that checks due jobs, runs each at most once per tick
// (a job already running is skipped, never queued for a missed tick), and
// recomputes the next run from the current time rather than backfilling
// ticks missed while the scheduler was down.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/eventbus"
)

// Dispatcher delivers a due job's payload. DispatchSystemEvent and
// DispatchAgentTurn correspond to core.PayloadSystemEvent and
// core.PayloadAgentTurn respectively.
type Dispatcher interface {
	DispatchSystemEvent(ctx context.Context, job core.Job) error
	DispatchAgentTurn(ctx context.Context, job core.Job) error
}

const DefaultTickInterval = time.Second

type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*core.Job
	running map[string]bool

	dispatcher   Dispatcher
	bus          *eventbus.Bus
	now          func() time.Time
	tickInterval time.Duration

	wg      sync.WaitGroup
	started bool
}

func New(dispatcher Dispatcher, bus *eventbus.Bus, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		jobs:         make(map[string]*core.Job),
		running:      make(map[string]bool),
		dispatcher:   dispatcher,
		bus:          bus,
		now:          now,
		tickInterval: DefaultTickInterval,
	}
}

// WithTickInterval overrides the polling interval (for tests).
func (s *Scheduler) WithTickInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.tickInterval = d
	}
	return s
}

// AddJob registers or replaces a job, computing its first NextRunAt.
func (s *Scheduler) AddJob(job core.Job) error {
	next, ok, err := Next(job.Schedule, s.now())
	if err != nil {
		return fmt.Errorf("scheduler: add job %q: %w", job.ID, err)
	}
	if ok {
		job.State.NextRunAt = next
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	jc := job
	s.jobs[job.ID] = &jc
	return nil
}

func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.running, id)
}

func (s *Scheduler) Jobs() []core.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Start runs the tick loop in a background goroutine until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
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
				s.RunDue(ctx)
			}
		}
	}()
}

// Wait blocks until the tick loop goroutine has exited (after Start's ctx
// is cancelled).
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunDue executes every job whose NextRunAt has arrived and which is not
// already running, returning how many it started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	due := make([]*core.Job, 0)
	for id, j := range s.jobs {
		if !j.Enabled || j.State.NextRunAt.IsZero() || now.Before(j.State.NextRunAt) {
			continue
		}
		if s.running[id] {
			continue
		}
		s.running[id] = true
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.runOne(ctx, j, now)
	}
	return len(due)
}

func (s *Scheduler) runOne(ctx context.Context, job *core.Job, now time.Time) {
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	s.publish(core.EventJobRunStarted, job)

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Payload.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Payload.Timeout)
		defer cancel()
	}

	err := s.dispatch(runCtx, *job)

	s.mu.Lock()
	if current, ok := s.jobs[job.ID]; ok {
		current.State.LastRunAt = now
		if err != nil {
			current.State.LastStatus = core.RunFailed
			current.State.LastError = err.Error()
		} else {
			current.State.LastStatus = core.RunOK
			current.State.LastError = ""
		}
		if next, ok, nextErr := Next(current.Schedule, now); nextErr == nil && ok {
			current.State.NextRunAt = next
		} else {
			current.State.NextRunAt = time.Time{}
			if current.DeleteAfterRun {
				delete(s.jobs, current.ID)
			} else {
				current.Enabled = false
			}
		}
	}
	s.mu.Unlock()

	s.publish(core.EventJobRunFinished, job)
}

func (s *Scheduler) dispatch(ctx context.Context, job core.Job) error {
	if s.dispatcher == nil {
		return fmt.Errorf("scheduler: no dispatcher configured")
	}
	switch job.Payload.Kind {
	case core.PayloadSystemEvent:
		return s.dispatcher.DispatchSystemEvent(ctx, job)
	case core.PayloadAgentTurn:
		return s.dispatcher.DispatchAgentTurn(ctx, job)
	default:
		return fmt.Errorf("scheduler: unknown payload kind %q", job.Payload.Kind)
	}
}

func (s *Scheduler) publish(t core.EventType, job *core.Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(core.Event{Type: t, SessionKey: job.SessionKey, Time: s.now(), Payload: job.ID})
}
