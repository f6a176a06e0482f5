package cron

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner executes one scheduled action at its trigger time.
type Runner func(ctx context.Context, action Action, at time.Time) error

// Scheduler fires the daily jobs. A job id never overlaps itself; distinct
// jobs may run concurrently since they touch disjoint data.
type Scheduler struct {
	specs  []JobSpec
	runner Runner
	clock  func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

func NewScheduler(specs []JobSpec, runner Runner, clock func() time.Time, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		specs:    specs,
		runner:   runner,
		clock:    clock,
		logger:   logger,
		inflight: map[string]bool{},
	}
}

// Run blocks until the context is cancelled, firing each job at its derived
// trigger times.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, spec := range s.specs {
		wg.Add(1)
		go func(spec JobSpec) {
			defer wg.Done()
			s.runJobLoop(ctx, spec)
		}(spec)
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.specs)))
	wg.Wait()
}

func (s *Scheduler) runJobLoop(ctx context.Context, spec JobSpec) {
	for {
		now := s.clock()
		next := spec.At(now)
		if !next.After(now) {
			next = spec.At(now.AddDate(0, 0, 1))
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire(ctx, spec, next)
	}
}

func (s *Scheduler) fire(ctx context.Context, spec JobSpec, at time.Time) {
	s.mu.Lock()
	if s.inflight[spec.JobID] {
		s.mu.Unlock()
		s.logger.Warn("previous run still in flight, skipping trigger",
			zap.String("job_id", spec.JobID),
			zap.Time("at", at))
		return
	}
	s.inflight[spec.JobID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight[spec.JobID] = false
		s.mu.Unlock()
	}()

	started := s.clock()
	if err := s.runner(ctx, spec.Action, at); err != nil {
		s.logger.Error("scheduled job failed",
			zap.String("job_id", spec.JobID),
			zap.String("action", string(spec.Action)),
			zap.Error(err))
		return
	}
	s.logger.Info("scheduled job completed",
		zap.String("job_id", spec.JobID),
		zap.Duration("elapsed", s.clock().Sub(started)))
}
