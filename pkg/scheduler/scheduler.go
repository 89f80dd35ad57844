// Package scheduler dispatches per-job ticks to registered runners.
//
// Each runner tick executes on its own goroutine. The scheduler never
// double-dispatches a job whose previous tick is still running; cluster
// level exclusivity is the lock service's concern, not the scheduler's.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/lockservice"
)

// ScheduledJob is the scheduler's view of a job document.
type ScheduledJob interface {
	JobID() string
	JobEnabled() bool
	JobSchedule() *IntervalSchedule
}

// JobExecutionContext accompanies every tick.
type JobExecutionContext struct {
	JobID       string
	LockService lockservice.Service
}

// Runner executes one tick for one job. Implementations must tolerate
// cancellation at any blocking call and must not panic the scheduler.
type Runner interface {
	RunJob(ctx context.Context, job ScheduledJob, jctx JobExecutionContext)
}

// JobSource lists the jobs a runner is responsible for. Implementations
// read the management index; the scheduler polls them every sweep.
type JobSource interface {
	ListJobs(ctx context.Context) ([]ScheduledJob, error)
}

// Registration couples a job source with its runner.
type Registration struct {
	Name   string
	Source JobSource
	Runner Runner
}

// Config tunes the dispatch loop.
type Config struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	JitterFrac    float64       `mapstructure:"jitter" yaml:"jitter"`
}

// Scheduler owns the sweep loop. Collaborators are fixed at construction.
type Scheduler struct {
	registrations []Registration
	locks         lockservice.Service
	cfg           Config
	logger        *zap.Logger
	now           func() time.Time

	mu       sync.Mutex
	lastRun  map[string]time.Time
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// New creates a scheduler over the given registrations.
func New(registrations []Registration, locks lockservice.Service, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.JitterFrac < 0 || cfg.JitterFrac >= 1 {
		cfg.JitterFrac = 0.1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registrations: registrations,
		locks:         locks,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		lastRun:       make(map[string]time.Time),
		inFlight:      make(map[string]bool),
	}
}

// Run sweeps until ctx is cancelled, then waits for in-flight ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Int("registrations", len(s.registrations)))

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Sweep runs a single dispatch pass. Exposed for tests.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	for _, reg := range s.registrations {
		jobs, err := reg.Source.ListJobs(ctx)
		if err != nil {
			s.logger.Warn("Failed to list jobs",
				zap.String("runner", reg.Name),
				zap.Error(err))
			continue
		}
		for _, job := range jobs {
			s.maybeDispatch(ctx, reg, job)
		}
	}
}

func (s *Scheduler) maybeDispatch(ctx context.Context, reg Registration, job ScheduledJob) {
	if job == nil || !job.JobEnabled() {
		return
	}
	id := job.JobID()
	now := s.now()

	s.mu.Lock()
	if s.inFlight[id] {
		s.mu.Unlock()
		return
	}
	sched := job.JobSchedule()
	if sched == nil || !sched.Due(s.lastRun[id], now) {
		s.mu.Unlock()
		return
	}
	s.inFlight[id] = true
	s.lastRun[id] = now
	s.mu.Unlock()

	delay := s.jitter(sched)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, id)
			s.mu.Unlock()
		}()

		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		reg.Runner.RunJob(ctx, job, JobExecutionContext{
			JobID:       id,
			LockService: s.locks,
		})
	}()
}

// jitter spreads simultaneous firings so nodes don't stampede the store.
func (s *Scheduler) jitter(sched *IntervalSchedule) time.Duration {
	if s.cfg.JitterFrac == 0 {
		return 0
	}
	period, err := sched.Period()
	if err != nil {
		return 0
	}
	limit := time.Duration(float64(period) * s.cfg.JitterFrac)
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}
