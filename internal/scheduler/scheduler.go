// Package scheduler runs the ingest job on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSpec runs at minute 15 of every hour, after the dumps for the previous hour land.
const DefaultSpec = "0 15 * * * *"

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler runs a job on a cron spec (with seconds), once immediately at
// start, never overlapping itself.
type Scheduler struct {
	spec    string
	job     Job
	logger  *zap.Logger
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// New creates a new scheduler. An empty spec uses DefaultSpec.
func New(spec string, job Job, logger *zap.Logger) *Scheduler {
	if spec == "" {
		spec = DefaultSpec
	}
	return &Scheduler{spec: spec, job: job, logger: logger}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	if _, err := c.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.spec, err)
	}

	s.logger.Info("scheduler: initial run")
	s.tick(ctx)

	c.Start()
	s.logger.Info("scheduler: running", zap.String("spec", s.spec))

	<-ctx.Done()
	// Wait for an in-flight job.
	<-c.Stop().Done()
	s.logger.Info("scheduler: stopped")
	return ctx.Err()
}

// tick runs the job unless a previous run is still going.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn("scheduler: previous run still in progress, skipping")
		return
	}
	defer s.running.Store(false)

	s.runs.Add(1)
	if err := s.job(ctx); err != nil {
		s.logger.Error("scheduler: job failed", zap.Error(err))
	}
}

// Runs returns how many times the job has started.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// Skipped returns how many ticks were dropped because a run was in progress.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
