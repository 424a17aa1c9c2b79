// Package refresh implements the client-side scheduler that keeps an
// instance's registration alive: periodic token rotation and lease
// heartbeats, plus cron-style maintenance jobs.
package refresh

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidState is returned when a job is registered after Start.
var ErrInvalidState = errors.New("refresh: scheduler already started")

// MinCronInterval is the floor for cron-style cadences. Shorter intervals
// are rounded up; fractional minutes are rounded down.
const MinCronInterval = time.Minute

// Job is a periodic task. Executions of the same job never overlap; errors
// are swallowed at the scheduler boundary, so a job owns its retry policy.
type Job interface {
	Name() string
	Interval() time.Duration
	Execute(ctx context.Context) error
}

// Scheduler runs registered jobs at their intervals until stopped. All
// registration happens before Start.
type Scheduler struct {
	mu      sync.Mutex
	started bool
	jobs    []Job

	cron *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Register adds an interval job. Fails with ErrInvalidState after Start.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrInvalidState
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// RegisterCron adds a job on a standard five-field cron expression.
func (s *Scheduler) RegisterCron(name, expr string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrInvalidState
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return err
	}
	_, err := s.cron.AddFunc(expr, func() {
		s.runOnce(context.Background(), name, fn)
	})
	return err
}

// RegisterEvery adds a cron-style job at a fixed cadence, normalized to
// whole minutes.
func (s *Scheduler) RegisterEvery(name string, every time.Duration, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrInvalidState
	}
	s.cron.Schedule(cron.Every(NormalizeCronInterval(every)), cron.FuncJob(func() {
		s.runOnce(context.Background(), name, fn)
	}))
	return nil
}

// Start launches every registered job. Starting twice fails with
// ErrInvalidState.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrInvalidState
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.cron.Start()
	return nil
}

// Stop cancels pending ticks and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// loop drives one job. Executions run inline on the tick so the same job
// never overlaps itself.
func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job.Name(), job.Execute)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[refresh] job %s panicked: %v", name, rec)
		}
	}()
	if err := fn(ctx); err != nil {
		log.Printf("[refresh] job %s failed: %v", name, err)
	}
}

// NormalizeCronInterval clamps a cadence to the cron floor: anything under a
// minute becomes one minute, fractional minutes round down.
func NormalizeCronInterval(d time.Duration) time.Duration {
	if d < MinCronInterval {
		return MinCronInterval
	}
	return d.Truncate(time.Minute)
}
